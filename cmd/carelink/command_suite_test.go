package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	goble "github.com/cautelapp/carelink/internal/device/go-ble"
	"github.com/cautelapp/carelink/internal/testutils"
	"github.com/cautelapp/carelink/internal/testutils/mocks"
	"github.com/cautelapp/carelink/pkg/config"
	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"
)

const (
	braceletAddr = device.PeripheralID("C4:4F:33:12:9A:01")
	braceletID   = "CA-0001"
	wait         = 3 * time.Second
)

const testConfig = `log_level: error
scan_window: 80ms
connect_timeout: 1s
confirmation_timeout: 2s
write_delay: 1ms
revert_delay: 0s
http_timeout: 2s
http_retries: 0
reconnect_delay: 20ms
max_reconnect_attempts: 3
`

// CommandTestSuite runs carelink commands against a fake API and a mocked BLE transport.
type CommandTestSuite struct {
	suite.Suite

	api       *testutils.FakeBackend
	transport *mocks.MockTransport
	token     string
	stateDir  string

	originalTransport func(*logrus.Logger, goble.Options) device.Transport
	originalNoColor   bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalTransport = newTransport
	s.originalNoColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	newTransport = s.originalTransport
	color.NoColor = s.originalNoColor
}

func (s *CommandTestSuite) SetupTest() {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42"}).SignedString([]byte("test-secret"))
	s.Require().NoError(err)
	s.token = token

	s.api = testutils.NewFakeBackend(s.T(), token)
	s.transport = mocks.NewMockTransport().ExpectBracelet(braceletAddr, braceletID)
	newTransport = func(*logrus.Logger, goble.Options) device.Transport {
		return s.transport
	}

	dir := s.T().TempDir()
	s.stateDir = filepath.Join(dir, "state")
	cfgPath := filepath.Join(dir, "carelink.yaml")
	s.Require().NoError(os.WriteFile(cfgPath, []byte(testConfig), 0o600))

	s.T().Setenv(config.EnvConfigFile, cfgPath)
	s.T().Setenv(config.EnvAPIURL, s.api.URL())
	s.T().Setenv(config.EnvToken, token)
	s.T().Setenv(config.EnvStateDir, s.stateDir)
}

// resetCommand puts every flag of cmd and its children back to its default
// and drops the context cobra keeps from the previous run, so the next
// ExecuteContext hands its own context down to the subcommand.
func resetCommand(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	cmd.SetContext(nil) //nolint:staticcheck // nil lets ExecuteContext set it again
	for _, c := range cmd.Commands() {
		resetCommand(c)
	}
}

type commandResult struct {
	stdout string
	stderr string
	err    error
}

// Execute runs the root command with args and stdin until it returns
func (s *CommandTestSuite) Execute(stdin string, args ...string) commandResult {
	return s.ExecuteContext(context.Background(), stdin, nil, nil, args...)
}

// ExecuteContext runs the root command with ctx, writing into the given buffers when set
func (s *CommandTestSuite) ExecuteContext(ctx context.Context, stdin string, out, errOut *testutils.SyncBuffer, args ...string) commandResult {
	return s.executeInput(ctx, strings.NewReader(stdin), out, errOut, args...)
}

func (s *CommandTestSuite) executeInput(ctx context.Context, in io.Reader, out, errOut *testutils.SyncBuffer, args ...string) commandResult {
	if out == nil {
		out = &testutils.SyncBuffer{}
	}
	if errOut == nil {
		errOut = &testutils.SyncBuffer{}
	}
	resetCommand(rootCmd)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetIn(in)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return commandResult{stdout: out.String(), stderr: errOut.String(), err: err}
}

// Start runs the command in the background; the result arrives on the returned channel
func (s *CommandTestSuite) Start(ctx context.Context, stdin string, out, errOut *testutils.SyncBuffer, args ...string) <-chan commandResult {
	return s.StartInput(ctx, strings.NewReader(stdin), out, errOut, args...)
}

// StartInput is Start with an input the test keeps feeding, such as an io.Pipe
func (s *CommandTestSuite) StartInput(ctx context.Context, in io.Reader, out, errOut *testutils.SyncBuffer, args ...string) <-chan commandResult {
	if out == nil {
		out = &testutils.SyncBuffer{}
	}
	if errOut == nil {
		errOut = &testutils.SyncBuffer{}
	}
	done := make(chan commandResult, 1)
	go func() {
		done <- s.executeInput(ctx, in, out, errOut, args...)
	}()
	return done
}

// WaitOutput waits until buf contains text
func (s *CommandTestSuite) WaitOutput(buf *testutils.SyncBuffer, text string) {
	s.Require().Eventually(func() bool {
		return strings.Contains(buf.String(), text)
	}, wait, 5*time.Millisecond, "output never contained %q; got:\n%s", text, buf.String())
}
