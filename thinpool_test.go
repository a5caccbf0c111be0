package thinpool

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-thinpool/internal/blockdev"
)

func TestPoolParamsValidation(t *testing.T) {
	_, err := NewPool(PoolParams{})
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	tests := []struct {
		name   string
		blocks uint32
		ok     bool
	}{
		{"too small", 64, false},
		{"minimum", 128, true},
		{"not a multiple", 200, false},
		{"larger multiple", 1024, true},
		{"too large", 4 << 20, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultParams(blockdev.NewMemory(64 << 20))
			params.Logger = quietLogger()
			params.BlockSizeSectors = tt.blocks
			p, err := NewPool(params)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.blocks, p.BlockSizeSectors())
				p.Close()
			} else {
				assert.True(t, IsCode(err, ErrCodeInvalidParameters))
			}
		})
	}
}

func TestStatusLine(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(blockPayload(0), 0)
	require.NoError(t, err)
	require.NoError(t, p.Message("set_transaction_id 0 7"))

	st, err := p.Status()
	require.NoError(t, err)

	assert.Equal(t, uint64(7), st.TransactionID)
	assert.Equal(t, uint64(1), st.UsedDataBlocks)
	assert.Equal(t, uint64(16), st.TotalDataBlocks)
	assert.NotZero(t, st.TotalMetadataBlocks)
	assert.Zero(t, st.HeldMetadataRoot)

	line := st.String()
	assert.Contains(t, line, "7 ")
	assert.Contains(t, line, "1/16")
	assert.Contains(t, line, " - ")
	assert.Contains(t, line, "rw ")
	assert.Contains(t, line, "discard_passdown")

	require.NoError(t, p.Message("reserve_metadata_snap"))
	st, err = p.Status()
	require.NoError(t, err)
	assert.NotZero(t, st.HeldMetadataRoot)
	assert.NotContains(t, st.String(), " - ")

	require.NoError(t, p.Message("release_metadata_snap"))
}

func TestStatusLineFlags(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PoolParams)
		want   string
	}{
		{"ignore discard", func(p *PoolParams) { p.IgnoreDiscard = true }, "ignore_discard"},
		{"no passdown", func(p *PoolParams) { p.NoDiscardPassdown = true }, "no_discard_passdown"},
		{"default", nil, "discard_passdown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool(t, 4, tt.mutate)
			st, err := p.Status()
			require.NoError(t, err)
			assert.Contains(t, st.String(), tt.want)
		})
	}
}

func TestStatusFailMode(t *testing.T) {
	p := newTestPool(t, 4, nil)
	p.setMode(ModeFail)

	st, err := p.Status()
	require.NoError(t, err)
	assert.True(t, st.Failed)
	assert.Equal(t, "Fail", st.String())
}

func TestThinStatus(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	st, err := tc.Status()
	require.NoError(t, err)
	assert.Equal(t, "0 -", st.String())

	_, err = tc.WriteAt(blockPayload(0), 3*testBlockBytes)
	require.NoError(t, err)

	st, err = tc.Status()
	require.NoError(t, err)
	assert.Equal(t, uint64(128), st.MappedSectors)
	assert.Equal(t, uint64(4*128-1), st.HighestMappedSector)
	assert.Equal(t, "128 511", st.String())
}

func TestMessages(t *testing.T) {
	p := newTestPool(t, 16, nil)

	assert.Error(t, p.Message(""))
	assert.Error(t, p.Message("bogus_message"))
	assert.Error(t, p.Message("create_thin"))
	assert.Error(t, p.Message("create_thin notanumber"))
	assert.Error(t, p.Message("create_thin 16777216")) // above the 24-bit limit

	require.NoError(t, p.Message("create_thin 1"))
	assert.Error(t, p.Message("create_thin 1"), "duplicate device id")

	require.NoError(t, p.Message("create_snap 2 1"))
	assert.Error(t, p.Message("create_snap 3 99"), "unknown origin")

	require.NoError(t, p.Message("delete 2"))
	assert.Error(t, p.Message("delete 2"))

	assert.Error(t, p.Message("set_transaction_id 9 10"), "stale transaction id")
	require.NoError(t, p.Message("set_transaction_id 0 10"))
}

func TestMessageDeleteOpenDevice(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	assert.Error(t, p.DeleteThin(1), "open devices cannot be deleted")
	tc.Close()
	assert.NoError(t, p.DeleteThin(1))
}

func TestRegistrySharesPools(t *testing.T) {
	metaPath := t.TempDir() + "/meta.bin"
	reg := NewRegistry()

	newParams := func() PoolParams {
		params := DefaultParams(blockdev.NewMemory(4 * testBlockBytes))
		params.Logger = quietLogger()
		params.MetadataPath = metaPath
		return params
	}

	p1, created, err := reg.GetOrCreate(newParams())
	require.NoError(t, err)
	assert.True(t, created)

	p2, created, err := reg.GetOrCreate(newParams())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, p1, p2)

	// Mismatched geometry is refused.
	bad := newParams()
	bad.BlockSizeSectors = 256
	_, _, err = reg.GetOrCreate(bad)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	// The pool survives the first release and dies with the second.
	require.NoError(t, reg.Release(p1))
	_, err = p1.Status()
	require.NoError(t, err)

	require.NoError(t, reg.Release(p2))

	// Releasing an unknown pool is an error.
	assert.Error(t, reg.Release(p1))
}

func TestLoadConfig(t *testing.T) {
	path := t.TempDir() + "/pool.yaml"
	content := `
data:
  driver: mem
  size: 64MiB
metadata:
  path: /tmp/thinpool-meta.bin
block_size_sectors: 256
low_water_blocks: 8
features:
  - skip_block_zeroing
  - no_discard_passdown
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "mem", cfg.Data.Driver)
	assert.Equal(t, "64MiB", cfg.Data.Size)
	assert.Equal(t, uint32(256), cfg.BlockSizeSectors)
	assert.Equal(t, uint64(8), cfg.LowWaterBlocks)

	var params PoolParams
	require.NoError(t, cfg.ApplyFeatures(&params))
	assert.True(t, params.SkipBlockZeroing)
	assert.True(t, params.NoDiscardPassdown)
	assert.False(t, params.IgnoreDiscard)

	cfg.Features = append(cfg.Features, "frobnicate")
	assert.Error(t, cfg.ApplyFeatures(&params))
}

func TestErrorFormatting(t *testing.T) {
	err := NewBlockError("insert_block", 3, 42, ErrCodeIOError)
	assert.Contains(t, err.Error(), "op=insert_block")
	assert.Contains(t, err.Error(), "dev=3")
	assert.Contains(t, err.Error(), "block=42")

	wrapped := WrapError("process_bio", err)
	assert.True(t, IsCode(wrapped, ErrCodeIOError))
	assert.Equal(t, "process_bio", wrapped.Op)
	assert.Equal(t, uint64(3), wrapped.Dev)

	assert.False(t, IsCode(nil, ErrCodeIOError))
	assert.Nil(t, WrapError("x", nil))
}

func TestMetricsSnapshot(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(blockPayload(0), 0)
	require.NoError(t, err)
	require.NoError(t, tc.Flush())

	snap := p.MetricsSnapshot()
	assert.NotZero(t, snap.BiosSubmitted)
	assert.NotZero(t, snap.WriteOps)
	assert.NotZero(t, snap.WriteBytes)
	assert.NotZero(t, snap.Commits)
	assert.Equal(t, uint64(1), snap.BlocksProvisioned)
	assert.Equal(t, snap.ReadOps+snap.WriteOps+snap.DiscardOps+snap.FlushOps, snap.TotalOps)
}

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewPrometheusObserver(reg, "test")
	require.NoError(t, err)

	p := newTestPool(t, 16, func(params *PoolParams) {
		params.Observer = obs
	})
	tc := newTestThin(t, p, 1)

	_, err = tc.WriteAt(blockPayload(0), 0)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["thinpool_ios_total"])
	assert.True(t, names["thinpool_blocks_provisioned_total"])
	assert.True(t, names["thinpool_mode"])

	// Registering twice collides.
	_, err = NewPrometheusObserver(reg, "test")
	assert.Error(t, err)
}

func TestBioConstructors(t *testing.T) {
	read := NewReadBio(8, make([]byte, 1024), nil)
	assert.Equal(t, BioRead, read.Op)
	assert.Equal(t, uint32(2), read.sizeSectors())
	assert.False(t, read.isEmpty())

	discard := NewDiscardBio(0, 128, nil)
	assert.Equal(t, 128*512, discard.sizeBytes())

	flush := NewFlushBio(nil)
	assert.True(t, flush.isEmpty())

	assert.Equal(t, "read", BioRead.String())
	assert.Equal(t, "discard", BioDiscard.String())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "rw", ModeWrite.String())
	assert.Equal(t, "ro", ModeReadOnly.String())
	assert.Equal(t, "fail", ModeFail.String())
}

func TestUnalignedIORejected(t *testing.T) {
	p := newTestPool(t, 4, nil)
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(make([]byte, 100), 0)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
	_, err = tc.ReadAt(make([]byte, 512), 7)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}
