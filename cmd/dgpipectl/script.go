package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// sendPlan is what the send command will do once flags and script are merged.
type sendPlan struct {
	To        string
	LocalPort int
	Linger    time.Duration
	Interval  time.Duration
	Messages  []string
	Compress  bool
}

func defaultSendPlan() sendPlan {
	return sendPlan{
		To:       "127.0.0.1:9000",
		Linger:   2 * time.Second,
		Messages: countingMessages(10),
	}
}

// countingMessages returns "0".."n-1".
func countingMessages(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, strconv.Itoa(i))
	}
	return out
}

type scriptFile struct {
	To        string   `toml:"to"`
	LocalPort int      `toml:"local_port"`
	Linger    string   `toml:"linger"`
	Interval  string   `toml:"interval"`
	Messages  []string `toml:"messages"`
	Count     int      `toml:"count"`
	Compress  bool     `toml:"compress"`
}

// loadSendScript overlays the keys present in path onto plan.
func loadSendScript(path string, plan sendPlan) (sendPlan, error) {
	var raw scriptFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return sendPlan{}, fmt.Errorf("load send script: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return sendPlan{}, fmt.Errorf("send script: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("to") {
		if to := strings.TrimSpace(raw.To); to != "" {
			plan.To = to
		}
	}
	if meta.IsDefined("local_port") {
		plan.LocalPort = raw.LocalPort
	}
	if meta.IsDefined("linger") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Linger))
		if err != nil {
			return sendPlan{}, fmt.Errorf("send script: invalid linger %q: %w", raw.Linger, err)
		}
		plan.Linger = d
	}
	if meta.IsDefined("interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Interval))
		if err != nil {
			return sendPlan{}, fmt.Errorf("send script: invalid interval %q: %w", raw.Interval, err)
		}
		plan.Interval = d
	}
	if meta.IsDefined("messages") && meta.IsDefined("count") {
		return sendPlan{}, fmt.Errorf("send script: messages and count are mutually exclusive")
	}
	if meta.IsDefined("messages") {
		plan.Messages = append([]string(nil), raw.Messages...)
	}
	if meta.IsDefined("count") {
		if raw.Count < 0 {
			return sendPlan{}, fmt.Errorf("send script: count must not be negative")
		}
		plan.Messages = countingMessages(raw.Count)
	}
	if meta.IsDefined("compress") {
		plan.Compress = raw.Compress
	}
	return plan, nil
}
