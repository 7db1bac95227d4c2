package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringOmitsEmptyCommit(t *testing.T) {
	require.Equal(t, "conductor dev", Info{Version: "dev"}.String())
}

func TestStringShortensCommit(t *testing.T) {
	info := Info{Version: "1.2.0", Commit: "0123456789abcdef"}
	require.Equal(t, "conductor 1.2.0 (01234567)", info.String())
}
