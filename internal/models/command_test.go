package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandTypeIsValid(t *testing.T) {
	assert.True(t, CommandLockScreen.IsValid())
	assert.True(t, CommandPolicyChange.IsValid())
	assert.False(t, CommandType("SELF_DESTRUCT").IsValid())
	assert.False(t, CommandType("").IsValid())
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{
			name:    "missing device",
			cmd:     Command{Type: CommandReboot},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cmd:     Command{DeviceID: "tab-1", Type: "NOPE"},
			wantErr: true,
		},
		{
			name:    "reboot needs no payload",
			cmd:     Command{DeviceID: "tab-1", Type: CommandReboot},
			wantErr: false,
		},
		{
			name:    "open url without payload",
			cmd:     Command{DeviceID: "tab-1", Type: CommandOpenURL},
			wantErr: true,
		},
		{
			name: "open url with payload",
			cmd: Command{
				DeviceID: "tab-1",
				Type:     CommandOpenURL,
				Payload:  json.RawMessage(`{"url":"https://octoclass.com"}`),
			},
			wantErr: false,
		},
		{
			name: "brightness out of range",
			cmd: Command{
				DeviceID: "tab-1",
				Type:     CommandSetBrightness,
				Payload:  json.RawMessage(`{"level":150}`),
			},
			wantErr: true,
		},
		{
			name: "volume in range",
			cmd: Command{
				DeviceID: "tab-1",
				Type:     CommandVolume,
				Payload:  json.RawMessage(`{"level":40}`),
			},
			wantErr: false,
		},
		{
			name: "alert needs message",
			cmd: Command{
				DeviceID: "tab-1",
				Type:     CommandAlert,
				Payload:  json.RawMessage(`{"title":"no body"}`),
			},
			wantErr: true,
		},
		{
			name: "launch app with package",
			cmd: Command{
				DeviceID: "tab-1",
				Type:     CommandLaunchApp,
				Payload:  json.RawMessage(`{"package":"com.octoclass"}`),
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
