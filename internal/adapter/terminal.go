package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/logging"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// terminalOutputWindow is how long SendCommand keeps collecting output lines
// after the last one arrived. Console servers print command results as free
// text with no terminator, so a quiet period is the only usable boundary.
const terminalOutputWindow = 300 * time.Millisecond

// TerminalAdapter runs the server process directly and drives it through
// stdin. Stdout/stderr lines are scraped into a restricted event stream:
// every line becomes a server.log event, and recognizable join/leave/chat
// lines are promoted to their proper event kinds.
type TerminalAdapter struct {
	serverID string
	endpoint types.TerminalEndpoint
	log      zerolog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	connected bool

	// Command output capture. While a command is in flight, scraped lines
	// are teed into pending.
	pending chan string

	inbound   chan protocol.Frame
	exited    chan struct{} // closed once the process has been reaped
	closeOnce sync.Once
}

// NewTerminalAdapter builds an unconnected terminal adapter.
func NewTerminalAdapter(serverID string, endpoint types.TerminalEndpoint, logger zerolog.Logger) *TerminalAdapter {
	return &TerminalAdapter{
		serverID: serverID,
		endpoint: endpoint,
		log:      logger.With().Str("server_id", serverID).Str("mode", "terminal").Logger(),
		inbound:  make(chan protocol.Frame, inboundQueueSize),
		exited:   make(chan struct{}),
	}
}

func (a *TerminalAdapter) Mode() types.Mode            { return types.ModeTerminal }
func (a *TerminalAdapter) Capabilities() CapabilitySet { return capsOf(types.ModeTerminal) }

// Connect starts the configured process and begins log scraping.
func (a *TerminalAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if a.endpoint.Command == "" {
		return protocol.NewError(protocol.CodeConnectionFailed, "terminal endpoint has no command")
	}

	cmd := exec.Command(a.endpoint.Command, a.endpoint.Args...)
	cmd.Dir = a.endpoint.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "opening stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "opening stdout pipe: %v", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "starting server process: %v", err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.connected = true
	go a.scrapeLoop(stdout)
	go a.waitLoop(cmd)
	a.log.Debug().Str("command", a.endpoint.Command).Msg("Terminal transport started")
	return nil
}

func (a *TerminalAdapter) scrapeLoop(stdout io.Reader) {
	defer logging.RecoverPanic(a.log, "terminal scrapeLoop")
	// The loop is Inbound's only sender, so it alone may close the channel.
	// It exits once the process's output pipe reaches EOF.
	defer a.closeOnce.Do(func() { close(a.inbound) })

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()

		a.mu.Lock()
		pending := a.pending
		a.mu.Unlock()
		if pending != nil {
			select {
			case pending <- line:
			default:
			}
		}

		frame, err := protocol.NewEvent(a.serverID, classifyLogLine(line), map[string]any{"line": line})
		if err != nil {
			continue
		}
		select {
		case a.inbound <- frame:
		default:
			// Log scraping is best-effort; never stall the process.
		}
	}
}

func (a *TerminalAdapter) waitLoop(cmd *exec.Cmd) {
	defer logging.RecoverPanic(a.log, "terminal waitLoop")
	err := cmd.Wait()
	a.log.Info().Err(err).Msg("Server process exited")
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	close(a.exited)
}

// classifyLogLine promotes well-known console patterns to event kinds.
func classifyLogLine(line string) string {
	switch {
	case strings.Contains(line, "joined the game"):
		return protocol.EventPlayerJoin
	case strings.Contains(line, "left the game"):
		return protocol.EventPlayerLeave
	case strings.Contains(line, "<") && strings.Contains(line, ">"):
		return protocol.EventPlayerChat
	default:
		return protocol.EventServerLog
	}
}

// SendCommand writes the command to the process stdin and collects output
// lines until the stream goes quiet or the context expires.
func (a *TerminalAdapter) SendCommand(ctx context.Context, command string) (*CommandResult, error) {
	a.mu.Lock()
	if !a.connected || a.stdin == nil {
		a.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeSessionClosed, "terminal transport not running")
	}
	capture := make(chan string, 64)
	a.pending = capture
	stdin := a.stdin
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.pending = nil
		a.mu.Unlock()
	}()

	started := time.Now()
	if _, err := io.WriteString(stdin, command+"\n"); err != nil {
		return nil, protocol.Errorf(protocol.CodeConnectionFailed, "writing to server stdin: %v", err)
	}

	var output []string
	quiet := time.NewTimer(terminalOutputWindow)
	defer quiet.Stop()
	for {
		select {
		case line := <-capture:
			output = append(output, line)
			if !quiet.Stop() {
				<-quiet.C
			}
			quiet.Reset(terminalOutputWindow)
		case <-quiet.C:
			return &CommandResult{Success: true, Output: output, Elapsed: time.Since(started)}, nil
		case <-ctx.Done():
			if len(output) > 0 {
				return &CommandResult{Success: true, Output: output, Elapsed: time.Since(started)}, nil
			}
			return nil, protocol.NewError(protocol.CodeTimeout, "terminal command timed out")
		}
	}
}

// SendRaw is outside the terminal capability set.
func (a *TerminalAdapter) SendRaw(protocol.Frame) error {
	return fmt.Errorf("terminal adapter: %w", ErrNotSupported)
}

func (a *TerminalAdapter) Inbound() <-chan protocol.Frame { return a.inbound }

func (a *TerminalAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Close stops the process, politely first, then by force. Inbound is closed
// by the scrape loop once the output pipe drains; without a started process
// there is no loop, so the channel is closed here.
func (a *TerminalAdapter) Close() error {
	a.mu.Lock()
	started := a.cmd != nil
	if a.connected && a.stdin != nil {
		// Most console servers honor "stop" as a clean shutdown.
		io.WriteString(a.stdin, "stop\n")
		a.stdin.Close()
	}
	a.connected = false
	cmd := a.cmd
	a.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		select {
		case <-a.exited:
		case <-time.After(5 * time.Second):
			cmd.Process.Kill()
		}
	}
	if !started {
		a.closeOnce.Do(func() { close(a.inbound) })
	}
	return nil
}
