package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
)

// RenderJSON writes the status as indented JSON.
func RenderJSON(w io.Writer, st Status) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

// RenderStatus writes a human readable status report: a summary, the world
// and channel table, and the connected clients.
func RenderStatus(w io.Writer, st Status) {
	fmt.Fprintf(w, "\n  Instance:     %s (%s %s)\n", st.Ping.Instance, st.Ping.Service, st.Ping.Version)
	fmt.Fprintf(w, "  Uptime:       %s\n", formatUptime(st.Health.UptimeSec))
	fmt.Fprintf(w, "  Connections:  %d\n", st.Health.Connections)
	fmt.Fprintf(w, "  CPU / Mem:    %.1f%% / %.1f%%\n", st.Health.Usage.CPUPercent, st.Health.Usage.MemoryPercent)
	fmt.Fprintf(w, "  Disk:         %.1f%%\n\n", st.Health.Usage.DiskPercent)

	RenderWorlds(w, st)
	fmt.Fprintln(w)

	if len(st.Connections) > 0 {
		RenderConnections(w, st)
		fmt.Fprintln(w)
	}
}

// RenderWorlds prints one row per channel.
func RenderWorlds(w io.Writer, st Status) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"World", "Name", "Status", "Channel", "Endpoint", "Players", "Online"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, wd := range st.Worlds {
		if len(wd.Channels) == 0 {
			tw.Append([]string{strconv.Itoa(wd.ID), wd.Name, wd.Status, "-", "-", "-", "-"})
			continue
		}
		for _, ch := range wd.Channels {
			online := "yes"
			if !ch.Online {
				online = "NO"
			}
			tw.Append([]string{
				strconv.Itoa(wd.ID),
				wd.Name,
				wd.Status,
				strconv.Itoa(ch.Index),
				fmt.Sprintf("%s:%d", ch.Host, ch.Port),
				fmt.Sprintf("%d/%d", ch.Players, ch.Capacity),
				online,
			})
		}
	}
	tw.Render()
}

// RenderConnections prints the connected clients.
func RenderConnections(w io.Writer, st Status) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Remote", "Account", "State", "Connected"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, c := range st.Connections {
		account := c.Account
		if account == "" {
			account = "-"
		}
		state := "connected"
		switch {
		case c.HandedOff:
			state = "handed off"
		case c.Pending:
			state = "pending"
		}
		tw.Append([]string{
			c.Remote,
			account,
			state,
			c.ConnectedAt.Format(time.RFC3339),
		})
	}
	tw.Render()
}
