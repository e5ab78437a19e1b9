package fingerprint

// ChangeThreshold is the similarity below which hardware counts as changed.
const ChangeThreshold = 0.7

// Similarity scores how alike two devices are, in [0, 1]. Identical
// signatures score 1. Otherwise the identity-bearing optional fields are
// compared pairwise: a field counts only when both sides report it, and
// scores when both values agree. No comparable field scores 0.
func Similarity(sigA, sigB string, a, b Components) float64 {
	if sigA != "" && sigA == sigB {
		return 1.0
	}

	a, b = a.Normalize(), b.Normalize()
	pairs := [][2]string{
		{a.MACAddress, b.MACAddress},
		{a.CPUID, b.CPUID},
		{a.MotherboardSerial, b.MotherboardSerial},
		{a.DiskSerial, b.DiskSerial},
		{a.SystemUUID, b.SystemUUID},
	}

	compared, matching := 0, 0
	for _, p := range pairs {
		if p[0] == "" || p[1] == "" {
			continue
		}
		compared++
		if p[0] == p[1] {
			matching++
		}
	}

	if compared == 0 {
		return 0.0
	}
	return float64(matching) / float64(compared)
}
