package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"trial-license-system/internal/database"
	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/metrics"
	"trial-license-system/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workstation() Components {
	return Components{
		Platform:          "windows",
		Hostname:          "front-desk-01",
		MACAddress:        "3C:52:82:11:22:33",
		CPUID:             "BFEBFBFF000906EA",
		MotherboardSerial: "MB-7781",
		DiskSerial:        "S4EVNX0N",
		SystemUUID:        "4C4C4544-0042-3510-8051-B7C04F563232",
		OSVersion:         "10.0.19045",
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	a := Generate(workstation())
	b := Generate(workstation())
	assert.Equal(t, a, b)
	assert.Len(t, a.DeviceFingerprint, 32)
	assert.Len(t, a.HardwareSignature, 64)

	sum := sha256.Sum256([]byte("windows|front-desk-01|3c:52:82:11:22:33"))
	assert.Equal(t, hex.EncodeToString(sum[:])[:32], a.DeviceFingerprint)
}

func TestGenerateNormalizesMAC(t *testing.T) {
	dashed := workstation()
	dashed.MACAddress = "3c-52-82-11-22-33"
	assert.Equal(t, Generate(workstation()), Generate(dashed))
}

func TestGenerateDistinguishesDevices(t *testing.T) {
	other := workstation()
	other.Hostname = "front-desk-02"
	assert.NotEqual(t, Generate(workstation()).DeviceFingerprint, Generate(other).DeviceFingerprint)

	newDisk := workstation()
	newDisk.DiskSerial = "X9"
	assert.Equal(t, Generate(workstation()).DeviceFingerprint, Generate(newDisk).DeviceFingerprint)
	assert.NotEqual(t, Generate(workstation()).HardwareSignature, Generate(newDisk).HardwareSignature)
}

func TestGenerateWithOnlyPlatform(t *testing.T) {
	fp := Generate(Components{Platform: "linux"})
	sum := sha256.Sum256([]byte("linux||"))
	assert.Equal(t, hex.EncodeToString(sum[:])[:32], fp.DeviceFingerprint)
	assert.False(t, fp.IsVirtualMachine)
}

func TestDetectVM(t *testing.T) {
	tests := []struct {
		name   string
		c      Components
		wantVM bool
		want   VMType
	}{
		{"virtualbox hostname", Components{Hostname: "victim-virtualbox-01", MACAddress: "08:00:27:11:22:33"}, true, VMVirtualBox},
		{"vmware mac", Components{Hostname: "pos-1", MACAddress: "00:50:56:AA:BB:CC"}, true, VMVMware},
		{"qemu mac dashed", Components{MACAddress: "52-54-00-12-34-56"}, true, VMQEMU},
		{"hyper-v hostname", Components{Hostname: "HYPER-V-GUEST"}, true, VMHyperV},
		{"xen mac", Components{MACAddress: "00:16:3e:00:00:01"}, true, VMXen},
		{"generic cpu", Components{CPUID: "Intel Virtual CPU"}, true, VMGeneric},
		{"bare metal", workstation(), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isVM, vm := DetectVM(tt.c.Normalize())
			assert.Equal(t, tt.wantVM, isVM)
			assert.Equal(t, tt.want, vm)
		})
	}
}

func TestSimilarity(t *testing.T) {
	base := workstation()
	sig := Generate(base).HardwareSignature

	assert.Equal(t, 1.0, Similarity(sig, sig, base, base))

	renamed := base
	renamed.Hostname = "renamed"
	assert.Equal(t, 1.0, Similarity(sig, Generate(renamed).HardwareSignature, base, renamed))

	partial := Components{Platform: "windows", MACAddress: base.MACAddress, CPUID: "OTHER"}
	assert.Equal(t, 0.5, Similarity(sig, Generate(partial).HardwareSignature, base, partial))

	bare := Components{Platform: "windows"}
	assert.Equal(t, 0.0, Similarity(sig, Generate(bare).HardwareSignature, base, bare))
	assert.Equal(t, 0.0, Similarity("", "", bare, bare))
}

func TestSimilarityComparesExactValues(t *testing.T) {
	a := workstation()
	b := workstation()
	b.CPUID = "bfebfbff000906ea"
	score := Similarity(Generate(a).HardwareSignature, Generate(b).HardwareSignature, a, b)
	assert.Equal(t, 0.8, score)

	// MAC spelling is canonicalised by Normalize before comparing.
	c := workstation()
	c.MACAddress = "3c-52-82-11-22-33"
	c.Hostname = "renamed"
	score = Similarity(Generate(a).HardwareSignature, Generate(c).HardwareSignature, a, c)
	assert.Equal(t, 1.0, score)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newEngine(t *testing.T) (*Engine, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	clk := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewEngine(database.NewTestDB(t), WithMetrics(m), WithClock(clk.now)), m
}

func TestEngineSaveUpserts(t *testing.T) {
	e, m := newEngine(t)
	ctx := context.Background()

	first, err := e.Save(ctx, workstation())
	require.NoError(t, err)
	assert.Equal(t, 1, first.SeenCount)
	assert.Equal(t, "3c:52:82:11:22:33", first.MACAddress)

	second, err := e.Save(ctx, workstation())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.SeenCount)
	assert.True(t, second.LastSeenAt.After(first.LastSeenAt))

	changed := workstation()
	changed.DiskSerial = "NEW-DISK"
	third, err := e.Save(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, 3, third.SeenCount)
	assert.Equal(t, "NEW-DISK", third.DiskSerial)
	assert.Equal(t, Generate(changed).HardwareSignature, third.HardwareSignature)
	assert.Equal(t, first.DeviceFingerprint, third.DeviceFingerprint)

	var count int64
	require.NoError(t, e.db.Model(&model.HardwareFingerprint{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FingerprintsSeen.WithLabelValues("true", "false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FingerprintsSeen.WithLabelValues("false", "false")))
}

func TestEngineIdentify(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	id, err := e.Identify(ctx, Components{Platform: "linux", Hostname: "victim-virtualbox-01", MACAddress: "08:00:27:11:22:33"})
	require.NoError(t, err)
	assert.True(t, id.FirstSighting)
	assert.True(t, id.IsVirtualMachine)
	assert.Equal(t, VMVirtualBox, id.VMType)
	assert.Equal(t, "VirtualBox", id.Record.VMType)

	again, err := e.Identify(ctx, Components{Platform: "linux", Hostname: "victim-virtualbox-01", MACAddress: "08:00:27:11:22:33"})
	require.NoError(t, err)
	assert.False(t, again.FirstSighting)
	assert.Equal(t, id.DeviceFingerprint, again.DeviceFingerprint)
}

func TestEngineIdentifyRejectsMissingPlatform(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Identify(context.Background(), Components{Hostname: "x"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestDetectHardwareChange(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	unknown, err := e.DetectHardwareChange(ctx, "0000", workstation())
	require.NoError(t, err)
	assert.True(t, unknown.Changed)
	assert.Equal(t, 0.0, unknown.Similarity)

	rec, err := e.Save(ctx, workstation())
	require.NoError(t, err)

	same, err := e.DetectHardwareChange(ctx, rec.DeviceFingerprint, workstation())
	require.NoError(t, err)
	assert.False(t, same.Changed)
	assert.Equal(t, 1.0, same.Similarity)
	assert.Empty(t, same.Reason)

	oneOff := workstation()
	oneOff.DiskSerial = "SWAPPED"
	minor, err := e.DetectHardwareChange(ctx, rec.DeviceFingerprint, oneOff)
	require.NoError(t, err)
	assert.False(t, minor.Changed)
	assert.InDelta(t, 0.8, minor.Similarity, 1e-9)

	swapped := workstation()
	swapped.CPUID = "NEW-CPU"
	swapped.MotherboardSerial = "NEW-MB"
	swapped.DiskSerial = "NEW-DISK"
	major, err := e.DetectHardwareChange(ctx, rec.DeviceFingerprint, swapped)
	require.NoError(t, err)
	assert.True(t, major.Changed)
	assert.InDelta(t, 0.4, major.Similarity, 1e-9)
	assert.Equal(t, "hardware similarity 40.0% is below the 70% threshold", major.Reason)
}

func TestFlag(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	rec, err := e.Save(ctx, workstation())
	require.NoError(t, err)

	n, err := e.Flag(ctx, rec.DeviceFingerprint, "shared license abuse")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	flagged, err := e.Lookup(ctx, rec.DeviceFingerprint)
	require.NoError(t, err)
	assert.True(t, flagged.IsFlagged)
	assert.Equal(t, "shared license abuse", flagged.FlagReason)

	_, err = e.Flag(ctx, "missing", "x")
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}
