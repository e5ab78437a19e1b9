package fingerprint

import "strings"

// VMType names a detected hypervisor. The set is closed.
type VMType string

const (
	VMVirtualBox VMType = "VirtualBox"
	VMVMware     VMType = "VMware"
	VMQEMU       VMType = "QEMU"
	VMKVM        VMType = "KVM"
	VMXen        VMType = "Xen"
	VMHyperV     VMType = "Hyper-V"
	VMParallels  VMType = "Parallels"
	VMGeneric    VMType = "Virtual"
)

type vmSignature struct {
	token string
	vm    VMType
}

// Checked in order; the first hit wins.
var hostnameSignatures = []vmSignature{
	{"virtualbox", VMVirtualBox},
	{"vmware", VMVMware},
	{"qemu", VMQEMU},
	{"kvm", VMKVM},
	{"xen", VMXen},
	{"hyperv", VMHyperV},
	{"hyper-v", VMHyperV},
	{"parallels", VMParallels},
}

// Hypervisor vendor OUIs, lower-case and colon separated.
var macPrefixes = []vmSignature{
	{"08:00:27", VMVirtualBox},
	{"0a:00:27", VMVirtualBox},
	{"00:05:69", VMVMware},
	{"00:0c:29", VMVMware},
	{"00:1c:14", VMVMware},
	{"00:50:56", VMVMware},
	{"52:54:00", VMQEMU},
	{"00:16:3e", VMXen},
	{"00:15:5d", VMHyperV},
	{"00:1c:42", VMParallels},
}

var cpuSignatures = []vmSignature{
	{"virtual", VMGeneric},
	{"vmware", VMVMware},
	{"qemu", VMQEMU},
}

// DetectVM classifies components as virtual when the hostname, the MAC OUI
// or the CPU id carries a known hypervisor marker. Unlisted hypervisors go
// undetected.
func DetectVM(c Components) (bool, VMType) {
	hostname := strings.ToLower(c.Hostname)
	if hostname != "" {
		for _, sig := range hostnameSignatures {
			if strings.Contains(hostname, sig.token) {
				return true, sig.vm
			}
		}
	}

	mac := NormalizeMAC(c.MACAddress)
	if mac != "" {
		for _, sig := range macPrefixes {
			if strings.HasPrefix(mac, sig.token) {
				return true, sig.vm
			}
		}
	}

	cpu := strings.ToLower(c.CPUID)
	if cpu != "" {
		for _, sig := range cpuSignatures {
			if strings.Contains(cpu, sig.token) {
				return true, sig.vm
			}
		}
	}

	return false, ""
}
