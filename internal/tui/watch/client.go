package watch

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nebojsa-prodana/automation-client/internal/engine"
	"github.com/nebojsa-prodana/automation-client/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type statusMsg struct {
	Engine        engine.Snapshot `json:"engine"`
	ConfigDigest  string          `json:"config_digest"`
	UptimeSeconds int64           `json:"uptime_seconds"`
}

type tickMsg time.Time

type errMsg error

type streamDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// followStream connects to the SSE endpoint and feeds events into ch.
// Returns streamDisconnectedMsg when the connection drops.
func followStream(apiURL, token string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/api/v1/stream", nil)
		if err != nil {
			return errMsg(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return streamDisconnectedMsg{}
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var id int64
		var typ, data string

		for scanner.Scan() {
			line := scanner.Text()

			if line == "" {
				if data != "" {
					ch <- events.Event{
						ID:   id,
						Type: typ,
						At:   time.Now(),
						Data: []byte(data),
					}
					id, typ, data = 0, "", ""
				}
				continue
			}

			switch {
			case strings.HasPrefix(line, "id: "):
				if n, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
					id = n
				}
			case strings.HasPrefix(line, "event: "):
				typ = line[7:]
			case strings.HasPrefix(line, "data: "):
				data = line[6:]
			}
		}

		return streamDisconnectedMsg{}
	}
}

// nextEvent waits for the next event from the stream channel.
func nextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchStatus queries the coordinator status endpoint.
func fetchStatus(apiURL, token string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, apiURL+"/api/v1/status", nil)
	if err != nil {
		return errMsg(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var s statusMsg
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return errMsg(err)
	}
	return s
}
