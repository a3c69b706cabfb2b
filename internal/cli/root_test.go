package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diagramsync/internal/config"
	"github.com/roach88/diagramsync/internal/remote"
	"github.com/roach88/diagramsync/internal/stomp"
	"github.com/roach88/diagramsync/internal/testutil"
)

// fakeServer answers requests on an in-memory broker the way the diagram
// server does: snapshots and lists carry the request's correlation id, and
// saves are echoed on /topic/diagramData.
type fakeServer struct {
	broker *testutil.Broker

	mu     sync.Mutex
	docs   map[int64]string
	list   string
	nextID int64
	echo   bool
}

func newFakeServer() *fakeServer {
	s := &fakeServer{
		broker: testutil.NewBroker(),
		docs:   make(map[int64]string),
		list:   "[]",
		nextID: 7,
		echo:   true,
	}
	s.broker.OnSend(s.onSend)
	return s
}

func (s *fakeServer) onSend(f stomp.Frame) {
	corr := f.Header(remote.HeaderCorrelationID)
	reply := map[string]string{remote.HeaderCorrelationID: corr}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch strings.TrimPrefix(f.Header(stomp.HeaderDestination), remote.DestinationPrefix) {
	case remote.TypeGetDiagram:
		id, err := strconv.ParseInt(string(f.Body), 10, 64)
		if err != nil {
			return
		}
		if doc, ok := s.docs[id]; ok {
			s.broker.Deliver(remote.TopicDiagramData, reply, []byte(doc))
		}

	case remote.TypeGetDiagrams:
		if corr != "" {
			s.broker.Deliver(remote.TopicDiagrams, reply, []byte(s.list))
		}

	case remote.TypeAddDiagram:
		if !s.echo {
			return
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(f.Body, &m); err != nil {
			return
		}
		m["id"] = json.RawMessage(strconv.FormatInt(s.nextID, 10))
		body, _ := json.Marshal(m)
		s.broker.Deliver(remote.TopicDiagramData, nil, body)

	case remote.TypeUpdateDiagram:
		if s.echo {
			s.broker.Deliver(remote.TopicDiagramData, nil, f.Body)
		}
	}
}

// testOptions returns options dialing srv, with short timeouts and a
// journal under dir.
func testOptions(t *testing.T, srv *fakeServer, dir string) *RootOptions {
	t.Helper()
	cfg := config.Default()
	cfg.BrokerURL = "ws://broker.test/ws"
	cfg.CheckInterval = time.Hour
	cfg.ReconnectBackoff = 10 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ResponseTimeout = 2 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Debounce = 5 * time.Millisecond
	cfg.JournalPath = filepath.Join(dir, "journal.db")
	require.NoError(t, cfg.Validate())

	return &RootOptions{
		Format: "text",
		Dialer: srv.broker,
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling
// reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &syncBuffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	// A nil slice makes cobra fall back to os.Args.
	cmd.SetArgs(append([]string{}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "diagramsync", cmd.Use)
	assert.Contains(t, cmd.Long, "STOMP")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"watch", "get", "list", "delete", "push", "journal", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestSubcommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	tests := []struct {
		command string
		flag    string
		def     string
	}{
		{"get", "offline", "false"},
		{"delete", "yes", "false"},
		{"push", "wait", "10s"},
		{"test", "update", "false"},
		{"test", "filter", ""},
	}
	for _, tt := range tests {
		t.Run(tt.command+"/"+tt.flag, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{tt.command})
			require.NoError(t, err)
			f := sub.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(NewRootCommand(), "--format", "xml", "journal", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigFileIsLoaded(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "from-config.db")
	cfgPath := filepath.Join(dir, "diagramsync.yaml")
	writeFile(t, cfgPath, "broker_url: ws://broker.test/ws\njournal_path: "+journal+"\n")

	out, err := execute(NewRootCommand(), "--config", cfgPath, "journal", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "No saves recorded for diagram 3.")
	assert.FileExists(t, journal)
}

func TestConfigFileRejected(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	writeFile(t, cfgPath, "broker_url: ftp://nope\n")

	_, err := execute(NewRootCommand(), "--config", cfgPath, "journal", "3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "abc", "0", "-3"} {
		_, err := parseID(bad)
		require.Error(t, err, bad)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	}
}
