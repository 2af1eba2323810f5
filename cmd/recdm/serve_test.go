package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/recdm/pkg/bus"
	"github.com/dotsetgreg/recdm/pkg/config"
	"github.com/dotsetgreg/recdm/pkg/policy"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Driver = "memory"
	cfg.Gateway.Workers = 2
	a, err := newApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewAppLoadsDemoCatalog(t *testing.T) {
	a := newTestApp(t)
	assert.Equal(t, 30, a.catalog.Len())
	assert.Equal(t, 20, a.engine.Options().ClarifyThreshold)
}

func TestDialogueOptionsRejectsUnknownAttribute(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dialogue.MultiValued = []string{"genre", "colour"}
	_, err := dialogueOptions(cfg)
	assert.Error(t, err)
}

func TestRunServe(t *testing.T) {
	a := newTestApp(t)

	in := strings.Join([]string{
		`{"request_id":"r1","session_id":"s1","user_id":"u1","act":{"intents":["inform"],"slots":[{"attribute":"genre","value":"comedy"},{"attribute":"decade","value":"1990s"}]}}`,
		`not json`,
		``,
		`{"request_id":"r2","session_id":"s1","user_id":"u1","act":{"intents":["quit"]}}`,
	}, "\n")
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runServe(ctx, a, strings.NewReader(in), &out))

	byReq := map[string]bus.OutboundMessage{}
	var failed []bus.OutboundMessage
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var msg bus.OutboundMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg), scanner.Text())
		if msg.RequestID == "" {
			failed = append(failed, msg)
			continue
		}
		byReq[msg.RequestID] = msg
	}

	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "line 2")

	require.Contains(t, byReq, "r1")
	assert.Empty(t, byReq["r1"].Error)
	assert.Equal(t, policy.ActPresentCandidates, byReq["r1"].Reply.Final().Type)
	assert.Equal(t, "s1", byReq["r1"].SessionID)

	require.Contains(t, byReq, "r2")
	assert.True(t, byReq["r2"].Reply.Closed)
	assert.Equal(t, policy.ActFarewell, byReq["r2"].Reply.Final().Type)

	s, err := a.manager.Session(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, s.Terminated)
}

func TestChatOneShot(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer
	c := &chatSession{app: a, userID: "alice", out: &out}

	err := runOneShot(context.Background(), c, []string{
		"genre=comedy decade=1990s",
		":state",
		"accept m026",
		"genre=drama",
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "PresentCandidates")
	assert.Contains(t, text, "m026 Toy Story (1995)")
	assert.Contains(t, text, "genre=comedy")
	assert.Contains(t, text, "closed.")
	assert.NotContains(t, text, "genre=drama", "turns after the close are not sent")

	choices, err := a.store.ListChoices(context.Background(), "alice")
	require.NoError(t, err)
	require.NotEmpty(t, choices)
}

func TestChatReportsBadSyntax(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer
	c := &chatSession{app: a, out: &out}

	done, err := c.handleLine(context.Background(), "year=1990..x")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Contains(t, out.String(), "Could not read that")
	assert.Empty(t, c.sessionID)
}
