package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("AGENT_USER_ID", "alice")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Signaling.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Call.IncomingWindow)
	assert.Equal(t, []string{DefaultSTUNServer}, cfg.WebRTC.ICEServers)
	assert.Equal(t, "alice", cfg.Call.AgentUserID)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoad_ICEServerList(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBRTC_ICE_SERVERS", "stun:a.example:3478, turn:b.example:3478 ,")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, cfg.WebRTC.ICEServers)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	setRequired(t)
	t.Setenv("SIGNALING_BACKEND", "carrier-pigeon")

	_, err := Load()

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "SIGNALING_BACKEND")
}

func TestValidate_RequiresAgentUser(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("AGENT_USER_ID", "")

	_, err := Load()

	assert.Error(t, err)
}

func TestValidate_Production(t *testing.T) {
	setRequired(t)
	t.Setenv("ENV", "production")
	t.Setenv("SIGNALING_BACKEND", BackendRedis)

	_, err := Load()
	assert.Error(t, err, "short secret must be refused in production")

	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Signaling.Backend)

	t.Setenv("SIGNALING_BACKEND", BackendMemory)
	_, err = Load()
	assert.Error(t, err)
}

func TestValidate_FirestoreNeedsProject(t *testing.T) {
	setRequired(t)
	t.Setenv("SIGNALING_BACKEND", BackendFirestore)

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("FIREBASE_PROJECT_ID", "demo-project")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "calls", cfg.Firestore.Collection)
}
