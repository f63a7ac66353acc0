package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rivo/tview"

	"lanchat/internal/model"
	transferRepo "lanchat/internal/repository/transfer"
)

func FormatLine(l model.ChatLine, peerLabel string) string {
	at := time.UnixMilli(l.Timestamp).Format("15:04")
	text := tview.Escape(l.Text)

	if !l.Outgoing {
		return fmt.Sprintf("[gray]%s[-] [green]%s:[-] %s", at, tview.Escape(peerLabel), text)
	}

	mark := "[red]![-]"
	switch {
	case l.ReadAt != nil:
		mark = "[blue]✓✓[-]"
	case l.Delivered:
		mark = "[gray]✓[-]"
	}
	return fmt.Sprintf("[gray]%s[-] [yellow]You:[-] %s %s", at, text, mark)
}

// FormatTransfers renders every transfer, newest first.
func FormatTransfers(m transferRepo.Snapshots) string {
	snaps := make([]model.TransferSnapshot, 0, len(m))
	for _, s := range m {
		snaps = append(snaps, s)
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})

	var sb strings.Builder
	for _, s := range snaps {
		arrow := "↑"
		if s.Direction == model.Incoming {
			arrow = "↓"
		}
		fmt.Fprintf(&sb, "%s %s [%s]%-12s[-] %s %s",
			shortID(s.ID), arrow, statusColor(s.Status), s.Status, tview.Escape(s.Name), progress(s))
		if s.Error != "" {
			fmt.Fprintf(&sb, " [red]%s[-]", tview.Escape(s.Error))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func progress(s model.TransferSnapshot) string {
	if s.Size < 0 {
		return FormatSize(s.BytesTransferred)
	}
	pct := 100
	if s.Size > 0 {
		pct = int(s.BytesTransferred * 100 / s.Size)
	}
	return fmt.Sprintf("%s/%s %d%%", FormatSize(s.BytesTransferred), FormatSize(s.Size), pct)
}

func statusColor(s model.TransferStatus) string {
	switch s {
	case model.StatusDone:
		return "green"
	case model.StatusFailed:
		return "red"
	case model.StatusRejected, model.StatusCancelled:
		return "gray"
	case model.StatusTransferring:
		return "yellow"
	}
	return "white"
}

func FormatSize(n int64) string {
	if n < 0 {
		return "?"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
