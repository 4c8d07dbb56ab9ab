package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fieldsync/internal/app"
	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep checking connectivity, uploading and refreshing until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withApp(cmd, "Daemon", func(_ context.Context, a *app.FieldApp) error {
			var out statusPrinter
			if term.IsTerminal(int(os.Stdout.Fd())) {
				out = &liveLine{}
			} else {
				out = eventLines{}
			}
			err := a.Run(ctx, app.Watcher{
				Connection: out.connection,
				Sync:       out.sync,
				Reference:  out.reference,
			})
			out.done()
			return err
		})
	},
}

type statusPrinter interface {
	connection(model.ConnectionStatus)
	sync(model.SyncStatus)
	reference(fieldsync.RefreshEvent)
	done()
}

func connectionLabel(st model.ConnectionStatus) string {
	if !st.IsOnline {
		return "offline"
	}
	return fmt.Sprintf("%s via %s", st.CurrentMode, st.ActiveEndpoint)
}

// eventLines prints one timestamped line per event, for logs and pipes.
type eventLines struct{}

func (eventLines) printf(format string, args ...any) {
	fmt.Printf("%s  "+format+"\n", append([]any{time.Now().Format("15:04:05")}, args...)...)
}

func (e eventLines) connection(st model.ConnectionStatus) {
	e.printf("connection  %s", connectionLabel(st))
}

func (e eventLines) sync(st model.SyncStatus) {
	if st.IsSyncing {
		return
	}
	e.printf("queue       %d pending, %d failed", st.PendingCount, st.FailedCount)
}

func (e eventLines) reference(ev fieldsync.RefreshEvent) {
	e.printf("reference   %s %d%% %s", ev.State, ev.Progress, ev.Message)
}

func (eventLines) done() {}

// liveLine redraws a single status line on a terminal.
type liveLine struct {
	mu    sync.Mutex
	conn  string
	queue string
	ref   string
}

func (l *liveLine) redraw() {
	fmt.Printf("\r\033[K[%s] %s | %s", l.conn, l.queue, l.ref)
}

func (l *liveLine) connection(st model.ConnectionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = connectionLabel(st)
	l.redraw()
}

func (l *liveLine) sync(st model.SyncStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := "idle"
	if st.IsSyncing {
		state = "syncing"
	}
	l.queue = fmt.Sprintf("queue %s: %d pending, %d failed", state, st.PendingCount, st.FailedCount)
	l.redraw()
}

func (l *liveLine) reference(ev fieldsync.RefreshEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ref = fmt.Sprintf("reference %s %d%%", ev.State, ev.Progress)
	l.redraw()
}

func (l *liveLine) done() {
	fmt.Println()
}
