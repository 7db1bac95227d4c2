package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShortIDs(t *testing.T) {
	id := NewID()
	require.Len(t, id.Short(), 8)

	pid := NewProjectID()
	require.Len(t, pid.Short(), 8)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusActive.CanPause())
	require.False(t, StatusActive.CanResume())
	require.True(t, StatusPaused.CanResume())
	require.False(t, StatusPaused.CanPause())
	require.True(t, StatusErrored.CanResume())
	require.True(t, StatusErrored.Live())
}

func TestProjectSessionMembership(t *testing.T) {
	project := &Project{ID: NewProjectID(), Name: "repo", RootPath: "/repo"}
	id := NewID()

	project.AddSession(id)
	project.AddSession(id)
	require.Len(t, project.SessionIDs, 1)

	project.RemoveSession(id)
	require.Empty(t, project.SessionIDs)
}

func TestNewSession(t *testing.T) {
	pid := NewProjectID()
	s := New(pid, "Feature Auth", "feature-auth", "/wt/feature-auth", "agent")

	require.Equal(t, pid, s.ProjectID)
	require.Equal(t, StatusActive, s.Status)
	require.Equal(t, ActivityUnknown, s.Activity)
	require.Equal(t, "cdr-"+s.ID.Short(), s.MuxName)
	require.False(t, s.CreatedAt.IsZero())
}

func TestSanitize(t *testing.T) {
	require.Equal(t, "hello-world", Sanitize("Hello World"))
	require.Equal(t, "feature-auth", Sanitize("Feature/Auth"))
	require.Equal(t, "test", Sanitize("--test--"))
}

func TestBranchName(t *testing.T) {
	require.Equal(t, "feature-auth", BranchName("", "Feature Auth"))
	require.Equal(t, "cdr/feature-auth", BranchName("cdr", "Feature Auth"))
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("feature-auth"))
	require.NoError(t, ValidateName("Fix crash on startup"))

	require.Error(t, ValidateName(""))
	require.Error(t, ValidateName("   "))
	require.Error(t, ValidateName("***"))
	long := make([]byte, MaxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	require.Error(t, ValidateName(string(long)))
}
