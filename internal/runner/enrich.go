package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
)

const (
	reverseDNSTimeout = 2 * time.Second
	snmpTimeout       = 2 * time.Second
	sysDescrOID       = "1.3.6.1.2.1.1.1.0"
)

// ReverseDNS resolves ip's PTR record against resolver (host:port), used as
// a fallback when nmap's own reverse-lookup misses (it only queries the
// system resolver, which may not carry internal PTR zones).
func ReverseDNS(ip, resolver string) (string, error) {
	reverseName, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("build reverse name for %s: %w", ip, err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(reverseName, dns.TypePTR)

	client := &dns.Client{Timeout: reverseDNSTimeout}
	resp, _, err := client.Exchange(msg, resolver)
	if err != nil {
		return "", fmt.Errorf("ptr lookup for %s: %w", ip, err)
	}

	for _, answer := range resp.Answer {
		if ptr, ok := answer.(*dns.PTR); ok {
			return ptr.Ptr, nil
		}
	}
	return "", nil
}

// SNMPSysDescr queries sysDescr.0 over SNMPv2c, used to enrich host OS/model
// detail when nmap's own OS fingerprint is inconclusive. Returns an empty
// string without error when the host has no SNMP agent listening — an
// unreachable agent is an expected, not exceptional, outcome here.
func SNMPSysDescr(ctx context.Context, ip, community string) (string, error) {
	agent := &gosnmp.GoSNMP{
		Target:    ip,
		Port:      161,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   snmpTimeout,
		Retries:   1,
		Context:   ctx,
	}

	if err := agent.Connect(); err != nil {
		return "", nil
	}
	defer func() { _ = agent.Conn.Close() }()

	result, err := agent.Get([]string{sysDescrOID})
	if err != nil {
		return "", nil
	}
	if len(result.Variables) == 0 {
		return "", nil
	}

	switch v := result.Variables[0].Value.(type) {
	case []byte:
		return string(v), nil
	case string:
		return v, nil
	default:
		return "", nil
	}
}
