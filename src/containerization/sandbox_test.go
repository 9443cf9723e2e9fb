// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"archive/tar"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArchive(t *testing.T) {
	r, err := buildArchive("print('hi')", []byte(`{"data":[]}`))
	require.NoError(t, err)

	tr := tar.NewReader(r)
	got := map[string]string{}
	modes := map[string]int64{}
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(tr)
		require.NoError(t, err)
		got[h.Name] = string(b)
		modes[h.Name] = h.Mode
	}

	assert.Equal(t, map[string]string{"script.py": "print('hi')", "payload.json": `{"data":[]}`}, got)
	assert.EqualValues(t, 0o755, modes["script.py"])
	assert.EqualValues(t, 0o644, modes["payload.json"])
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "0123456789ab", short("0123456789abcdef"))
	assert.Equal(t, "abc", short("abc"))
	assert.Equal(t, "ValueError: bad k", lastLine("Traceback:\n  line 3\nValueError: bad k\n"))
	assert.Equal(t, "", lastLine(""))
}

func TestTakeIdleSkipsBusyContainer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Sandbox{
		opts:        Options{IdleTimeout: 10 * time.Minute},
		containerID: "0123456789abcdef",
		lastUsedAt:  now.Add(-time.Hour),
		inflight:    1,
	}

	// A script started long ago and still running keeps its container.
	assert.Empty(t, s.takeIdle(now))
	assert.Equal(t, "0123456789abcdef", s.containerID)

	s.inflight = 0
	assert.Equal(t, "0123456789abcdef", s.takeIdle(now))
	assert.Empty(t, s.containerID)
	assert.Empty(t, s.takeIdle(now), "nothing left to reap")
}

func TestTakeIdleRespectsTimeout(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Sandbox{
		opts:        Options{IdleTimeout: 10 * time.Minute},
		containerID: "abc",
		lastUsedAt:  now.Add(-5 * time.Minute),
	}
	assert.Empty(t, s.takeIdle(now))
	assert.Equal(t, "abc", s.takeIdle(now.Add(6*time.Minute)))
}
