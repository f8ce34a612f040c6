package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
)

// topCmd renders a live fleet dashboard over /api/health and the
// list_agents method.
func topCmd() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Live dashboard of the agent fleet",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Value: "http://localhost:8420",
				Usage: "Broker base URL",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token (omit in dev mode)",
				EnvVars: []string{"C3PO_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: 2 * time.Second,
				Usage: "Refresh interval",
			},
		},
		Action: func(c *cli.Context) error {
			return runTop(c.String("server"), c.String("token"), c.Duration("interval"))
		},
	}
}

type topClient struct {
	base  string
	token string
	http  *http.Client
}

type fleetAgent struct {
	ID           string    `json:"agent_id"`
	Status       string    `json:"status"`
	Capabilities []string  `json:"capabilities"`
	Description  string    `json:"description"`
	LastSeen     time.Time `json:"last_seen"`
}

func (c *topClient) health() (string, int, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+"/api/health", nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var body struct {
		Status       string `json:"status"`
		AgentsOnline int    `json:"agents_online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, err
	}
	return body.Status, body.AgentsOnline, nil
}

func (c *topClient) listAgents() ([]fleetAgent, error) {
	payload, _ := json.Marshal(map[string]any{"method": "list_agents"})
	req, err := http.NewRequest(http.MethodPost, c.base+"/mcp", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("list_agents: %s", e.Error)
	}
	var body struct {
		Result []fleetAgent `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Result, nil
}

func runTop(server, token string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("init terminal: %w", err)
	}
	defer ui.Close()

	client := &topClient{base: server, token: token, http: &http.Client{Timeout: 10 * time.Second}}

	header := widgets.NewParagraph()
	header.Title = " c3po "
	table := widgets.NewTable()
	table.Title = " agents "
	table.RowSeparator = false
	table.TextAlignment = ui.AlignLeft

	draw := func() {
		w, h := ui.TerminalDimensions()
		header.SetRect(0, 0, w, 3)
		table.SetRect(0, 3, w, h)

		status, online, err := client.health()
		if err != nil {
			header.Text = fmt.Sprintf("%s | UNREACHABLE: %v", server, err)
		} else {
			header.Text = fmt.Sprintf("%s | status: %s | agents online: %d", server, status, online)
		}

		rows := [][]string{{"agent", "status", "last seen", "capabilities"}}
		agents, err := client.listAgents()
		if err != nil {
			rows = append(rows, []string{fmt.Sprintf("error: %v", err), "", "", ""})
		} else {
			for _, a := range agents {
				rows = append(rows, []string{
					a.ID,
					a.Status,
					a.LastSeen.Local().Format("15:04:05"),
					fmt.Sprintf("%v", a.Capabilities),
				})
			}
		}
		table.Rows = rows
		ui.Render(header, table)
	}

	draw()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	events := ui.PollEvents()
	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				draw()
			}
		case <-ticker.C:
			draw()
		}
	}
}
