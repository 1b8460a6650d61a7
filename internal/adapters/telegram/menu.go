package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	kit "microclaw/internal/transport"
	logx "microclaw/pkg/logx"
)

const defaultAPIURL = "https://api.telegram.org"

// UpdateMenuCommands updates Telegram's global command list (setMyCommands).
// It only performs a network call when the command list changes.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	sum := menuHash(cmds)
	if sum == a.menuHash {
		return nil
	}

	b, err := json.Marshal(menuPayload(cmds))
	if err != nil {
		return err
	}
	base := a.apiURL
	if base == "" {
		base = defaultAPIURL
	}
	url := strings.TrimRight(base, "/") + "/bot" + strings.TrimSpace(a.cfg.Token) + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.http
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode/100 != 2 || !out.OK {
		if out.Description != "" {
			return fmt.Errorf("telegram setMyCommands failed: %s (code=%d http=%d)", out.Description, out.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("telegram setMyCommands failed: http=%d", resp.StatusCode)
	}

	a.menuHash = sum
	a.log.Info("telegram.menu_updated", logx.Int("count", len(cmds)))
	return nil
}

func menuHash(cmds []kit.BotCommand) uint64 {
	d := xxhash.New()
	for _, c := range cmds {
		_, _ = d.WriteString(c.Command)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(c.Description)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

type menuCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

type menuBody struct {
	Commands []menuCommand `json:"commands"`
}

func menuPayload(cmds []kit.BotCommand) menuBody {
	body := menuBody{Commands: make([]menuCommand, 0, len(cmds))}
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		body.Commands = append(body.Commands, menuCommand{Command: strings.TrimPrefix(c.Command, "/"), Description: d})
		if len(body.Commands) >= 100 {
			break
		}
	}
	return body
}
