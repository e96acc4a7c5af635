package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/confab/confab/pkg/api/v1"
)

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestRESTConversationReadSurface(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)
	ctx := context.Background()

	conv := ts.CreateConversation(t, c, "alice", "bob")
	for _, text := range []string{"first", "second"} {
		_, err := c.SendMessage(ctx, v1.SendMessageParams{
			Conversation: conv, AgentID: "alice", Text: text, Finality: "turn",
		})
		require.NoError(t, err)
	}

	var listResult v1.ListConversationsResult
	resp := getJSON(t, ts.Server.URL+"/api/v1/conversations", &listResult)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listResult.Conversations, 1)
	assert.Equal(t, conv, listResult.Conversations[0].ID)

	var snapshot v1.Snapshot
	resp = getJSON(t, fmt.Sprintf("%s/api/v1/conversations/%d", ts.Server.URL, conv), &snapshot)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, snapshot.LastTurn)
	assert.False(t, snapshot.HasOpenTurn)
	assert.Len(t, snapshot.Events, 2)

	var page v1.GetEventsResult
	resp = getJSON(t, fmt.Sprintf("%s/api/v1/conversations/%d/events?sinceSeq=%d",
		ts.Server.URL, conv, snapshot.Events[0].Seq), &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "second", textOf(t, page.Events[0]))
}

func TestRESTErrorBodyCarriesCode(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())

	resp, err := http.Get(ts.Server.URL + "/api/v1/conversations/999999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, v1.CodeConversationNotFound, body.Error.Code)
}

func TestRESTAttachmentContent(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)
	ctx := context.Background()

	conv := ts.CreateConversation(t, c, "alice", "bob")

	content := []byte("-----BEGIN REPORT-----\nall clear\n-----END REPORT-----")
	res, err := c.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv,
		AgentID:      "alice",
		Text:         "see attached",
		Finality:     "turn",
		Attachments: []v1.Attachment{{
			Name:        "report.txt",
			ContentType: "text/plain",
			Content:     content,
		}},
	})
	require.NoError(t, err)

	// The stored payload carries a reference, not the bytes.
	events, err := c.GetEvents(ctx, v1.GetEventsParams{Conversation: conv, SinceSeq: res.Seq - 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	var payload v1.MessagePayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	require.Len(t, payload.Attachments, 1)
	att := payload.Attachments[0]
	require.NotEmpty(t, att.ID)
	assert.Empty(t, att.Content)

	resp, err := http.Get(ts.Server.URL + "/api/v1/attachments/" + att.ID + "/content")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	fetched, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, fetched)

	// The event's attachment listing returns references without content.
	var listing struct {
		Attachments []v1.Attachment `json:"attachments"`
	}
	listResp := getJSON(t, fmt.Sprintf("%s/api/v1/conversations/%d/turns/%d/events/%d/attachments",
		ts.Server.URL, conv, res.Turn, res.Event), &listing)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	require.Len(t, listing.Attachments, 1)
	assert.Equal(t, att.ID, listing.Attachments[0].ID)
	assert.Equal(t, "report.txt", listing.Attachments[0].Name)
	assert.Empty(t, listing.Attachments[0].Content)
}

func TestRESTScenarioCRUD(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())

	body := bytes.NewBufferString(`{"title":"Interview","document":{"roles":["asker","answerer"]}}`)
	req, err := http.NewRequest(http.MethodPut, ts.Server.URL+"/api/v1/scenarios/interview", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var scenario v1.Scenario
	resp = getJSON(t, ts.Server.URL+"/api/v1/scenarios/interview", &scenario)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Interview", scenario.Title)
	assert.JSONEq(t, `{"roles":["asker","answerer"]}`, string(scenario.Document))

	var listing struct {
		Scenarios []*v1.Scenario `json:"scenarios"`
	}
	resp = getJSON(t, ts.Server.URL+"/api/v1/scenarios", &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listing.Scenarios, 1)

	del, err := http.NewRequest(http.MethodDelete, ts.Server.URL+"/api/v1/scenarios/interview", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	resp = getJSON(t, ts.Server.URL+"/api/v1/scenarios/interview", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
