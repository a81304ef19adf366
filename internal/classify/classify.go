// Package classify labels a parsed host as virtualized or not, and by what
// technology, using cheap string and IP-range heuristics over the fields
// the Scan Runner already produced. No subprocess, no database access.
package classify

import (
	"net"
	"strings"

	"github.com/bryankemp/network-scanner/internal/runner"
)

var macVendorLabels = []string{"QEMU", "VMware", "VirtualBox", "Xen", "Microsoft", "Parallels"}

var osSubstringLabels = []string{"docker", "lxc", "container", "kvm", "hyperv", "vmware", "virtualbox", "xen"}

var (
	dockerRangeA = mustParseCIDR("172.17.0.0/16")
	dockerRangeB = mustParseCIDR("172.18.0.0/16")
	lxcRange     = mustParseCIDR("10.0.3.0/24")
)

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Classify applies the ordered rule set to host h: a MAC-vendor match wins
// over every other heuristic, then an OS-string substring match, then the
// two private-range IP rules. Returns isVM=false, vmType="" when nothing
// matches.
func Classify(h runner.Host) (isVM bool, vmType string) {
	if vendor := matchMACVendor(h.Vendor); vendor != "" {
		return true, vendor
	}
	if label := matchOSSubstring(h.OS); label != "" {
		return true, label
	}
	if ip := net.ParseIP(h.IP); ip != nil {
		if dockerRangeA.Contains(ip) || dockerRangeB.Contains(ip) {
			return true, "Docker"
		}
		if lxcRange.Contains(ip) {
			return true, "LXC"
		}
	}
	return false, ""
}

func matchMACVendor(vendor string) string {
	if vendor == "" {
		return ""
	}
	lower := strings.ToLower(vendor)
	for _, label := range macVendorLabels {
		if strings.Contains(lower, strings.ToLower(label)) {
			return label
		}
	}
	return ""
}

func matchOSSubstring(os string) string {
	if os == "" {
		return ""
	}
	lower := strings.ToLower(os)
	for _, label := range osSubstringLabels {
		if strings.Contains(lower, label) {
			return label
		}
	}
	return ""
}
