// Package watch implements the dispatch watch TUI: a Bubble Tea dashboard
// that polls the Admin API's /status endpoint and streams its /events SSE
// feed to show workload lifecycle progress live from a terminal.
package watch

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/dispatch/internal/events"
	"github.com/mattjoyce/dispatch/internal/registry"
)

type eventMsg events.Event

type statusMsg []registry.Snapshot

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// subscribeToEvents connects to the Admin API's /events SSE endpoint and
// feeds decoded events into ch. Returns sseDisconnectedMsg when the
// connection drops; the caller is responsible for reconnecting.
func subscribeToEvents(apiURL, token string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var id int64
		var data string

		for scanner.Scan() {
			line := scanner.Text()

			switch {
			case line == "":
				if data != "" {
					ch <- events.Event{ID: id, At: time.Now(), Data: []byte(data)}
					id, data = 0, ""
				}
			case strings.HasPrefix(line, "id: "):
				if v, err := strconv.ParseInt(line[len("id: "):], 10, 64); err == nil {
					id = v
				}
			case strings.HasPrefix(line, "data: "):
				data = line[len("data: "):]
			}
		}

		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event delivered by subscribeToEvents.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchStatus queries the Admin API's /status endpoint.
func fetchStatus(apiURL, token string) tea.Msg {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequest(http.MethodGet, apiURL+"/status", nil)
	if err != nil {
		return errMsg(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var snaps []registry.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return errMsg(err)
	}
	return statusMsg(snaps)
}
