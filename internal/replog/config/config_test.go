package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/replog"
	"replog/internal/replog/leader"
)

func Test_ReadConfig(t *testing.T) {
	c, err := ReadConfig("testdata/three_nodes.yaml")
	require.NoError(t, err)

	assert.Equal(t, replog.ParticipantID("n1"), c.ID)
	assert.Equal(t, "localhost:7001", c.Address)
	assert.Equal(t, "/tmp/replog/n1", c.Dir)
	assert.Len(t, c.Participants, 3)
	assert.Equal(t, Assignment{Term: 1, Leader: "n1"}, c.Assignment)
	assert.Equal(t, 50*time.Millisecond, c.Replication.HeartbeatInterval)
	assert.Equal(t, time.Second, c.Replication.BackoffMax)
	assert.True(t, c.Verbose)
	assert.Equal(t, "report.json", c.MetricsReport)

	t.Run("peers exclude this node", func(t *testing.T) {
		peers := c.Peers()
		require.Len(t, peers, 2)
		assert.Equal(t, replog.ParticipantID("n2"), peers[0].ID)
		assert.Equal(t, []replog.ParticipantID{"n1", "n2", "n3"}, c.ParticipantIDs())
	})

	t.Run("participants are looked up by id", func(t *testing.T) {
		p, err := c.GetParticipant("n3")
		require.NoError(t, err)
		assert.Equal(t, "localhost:7003", p.Address)

		_, err = c.GetParticipant("n9")
		assert.Error(t, err)
	})

	t.Run("replication overrides the leader defaults", func(t *testing.T) {
		lc := c.LeaderConfig(leader.DefaultConfig())
		assert.Equal(t, 50*time.Millisecond, lc.HeartbeatInterval)
		assert.Equal(t, 250*time.Millisecond, lc.AppendTimeout)
		assert.Equal(t, 64, lc.MaxBatchEntries)
		assert.True(t, lc.EstablishLeadership)
		// Untouched
		assert.Equal(t, leader.DefaultConfig().MaxBatchBytes, lc.MaxBatchBytes)
		assert.Equal(t, leader.DefaultConfig().BackoffBase, lc.BackoffBase)
	})
}

func Test_ReadConfig_MissingFile(t *testing.T) {
	_, err := ReadConfig("testdata/does_not_exist.yaml")
	assert.Error(t, err)
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse([]byte("address: localhost:7001\n"))
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, ".", c.Dir)
	assert.Empty(t, c.Peers())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "id: [unterminated"},
		{"missing address", "id: n1\n"},
		{"participant without address", "id: n1\naddress: a:1\nparticipants:\n  - id: n2\n"},
		{"duplicate participant", "id: n1\naddress: a:1\nparticipants:\n  - {id: n2, address: b:1}\n  - {id: n2, address: c:1}\n"},
		{"assignment without term", "id: n1\naddress: a:1\nassignment:\n  leader: n1\n"},
		{"unknown leader", "id: n1\naddress: a:1\nassignment:\n  term: 1\n  leader: n7\n"},
		{"bad duration", "id: n1\naddress: a:1\nreplication:\n  heartbeat_interval: soon\n"},
		{"backoff base above max", "id: n1\naddress: a:1\nreplication:\n  backoff_base: 5s\n  backoff_max: 1s\n"},
		{"negative batch size", "id: n1\naddress: a:1\nreplication:\n  max_batch_entries: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, replog.ErrInvalidConfig)
		})
	}
}
