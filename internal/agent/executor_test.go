package agent

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabletd.sh/internal/models"
)

func setupExecutor(t *testing.T) (*Executor, *StateManager) {
	t.Helper()
	state, err := NewStateManager(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return NewExecutor(state), state
}

func command(t *testing.T, cmdType models.CommandType, payload any) *models.Command {
	t.Helper()
	cmd := &models.Command{ID: "cmd-1", DeviceID: "tab-1", Type: cmdType}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		cmd.Payload = data
	}
	return cmd
}

func TestLockUnlockIsIdempotent(t *testing.T) {
	e, state := setupExecutor(t)

	lock := command(t, models.CommandLockScreen, nil)
	require.NoError(t, e.Execute(lock))
	require.NoError(t, e.Execute(lock), "replay must not fail")
	assert.True(t, state.Get().Locked)

	require.NoError(t, e.Execute(command(t, models.CommandUnlockScreen, nil)))
	assert.False(t, state.Get().Locked)
}

func TestOpenURL(t *testing.T) {
	e, state := setupExecutor(t)

	require.NoError(t, e.Execute(command(t, models.CommandOpenURL,
		models.OpenURLPayload{URL: "https://octoclass.com/lesson/7"})))
	assert.Equal(t, "https://octoclass.com/lesson/7", state.Get().CurrentURL)

	require.NoError(t, e.Execute(command(t, models.CommandCloseTab, nil)))
	assert.Empty(t, state.Get().CurrentURL)
}

func TestOpenURLBlockedByPolicy(t *testing.T) {
	e, state := setupExecutor(t)
	require.NoError(t, state.Update(func(s *State) error {
		s.Policy = &models.Policy{BlockedDomains: []string{"tiktok.com", "youtube.com/shorts"}}
		return nil
	}))

	var reported []string
	e.OnBlockedSite = func(url string) { reported = append(reported, url) }

	err := e.Execute(command(t, models.CommandOpenURL,
		models.OpenURLPayload{URL: "https://www.tiktok.com/@someone"}))
	assert.Error(t, err, "subdomains of a blocked domain are blocked")

	err = e.Execute(command(t, models.CommandOpenURL,
		models.OpenURLPayload{URL: "https://youtube.com/shorts/abc123"}))
	assert.Error(t, err, "path-scoped entries block matching paths")

	assert.Len(t, reported, 2)
	assert.Empty(t, state.Get().CurrentURL, "blocked navigation leaves no trace")

	err = e.Execute(command(t, models.CommandOpenURL,
		models.OpenURLPayload{URL: "https://youtube.com/watch?v=abc"}))
	assert.NoError(t, err, "path-scoped entries leave the rest of the site open")
	assert.Equal(t, "https://youtube.com/watch?v=abc", state.Get().CurrentURL)
}

func TestBrightnessAndVolume(t *testing.T) {
	e, state := setupExecutor(t)

	require.NoError(t, e.Execute(command(t, models.CommandSetBrightness, models.LevelPayload{Level: 40})))
	require.NoError(t, e.Execute(command(t, models.CommandVolume, models.LevelPayload{Level: 0})))

	got := state.Get()
	assert.Equal(t, 40, got.Brightness)
	assert.Equal(t, 0, got.Volume)
}

func TestKioskMode(t *testing.T) {
	e, state := setupExecutor(t)

	require.NoError(t, e.Execute(command(t, models.CommandStartKiosk, nil)))
	assert.True(t, state.Get().KioskMode)

	require.NoError(t, e.Execute(command(t, models.CommandStopKiosk, nil)))
	assert.False(t, state.Get().KioskMode)
}

func TestLaunchApp(t *testing.T) {
	e, state := setupExecutor(t)

	require.NoError(t, e.Execute(command(t, models.CommandLaunchApp,
		models.LaunchAppPayload{Package: "com.android.calculator2"})))
	assert.Equal(t, "com.android.calculator2", state.Get().CurrentApp)
}

func TestCallbacks(t *testing.T) {
	e, _ := setupExecutor(t)

	policyChanged, screenshot, rebooted := false, false, false
	e.OnPolicyChange = func() { policyChanged = true }
	e.OnScreenshotRequest = func() { screenshot = true }
	e.OnReboot = func() { rebooted = true }

	require.NoError(t, e.Execute(command(t, models.CommandPolicyChange, nil)))
	require.NoError(t, e.Execute(command(t, models.CommandGetPrint, nil)))
	require.NoError(t, e.Execute(command(t, models.CommandReboot, nil)))

	assert.True(t, policyChanged)
	assert.True(t, screenshot)
	assert.True(t, rebooted)
}

func TestUnknownCommandFails(t *testing.T) {
	e, _ := setupExecutor(t)
	err := e.Execute(&models.Command{ID: "x", DeviceID: "tab-1", Type: "EXPLODE"})
	assert.Error(t, err)
}
