package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHPort = 22

// SSHConfig holds the client settings shared by all ssh executors
type SSHConfig struct {
	// Port is used when the unit host does not specify one
	Port int
	// KnownHosts is a path to known_hosts file. Host keys are not verified
	// when empty.
	KnownHosts string
	// DialTimeout bounds the connection and handshake
	DialTimeout time.Duration
}

var insecureOnce sync.Once

func (c SSHConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHosts != "" {
		cb, err := knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		return cb, nil
	}
	insecureOnce.Do(func() {
		slog.Warn("ssh host keys are not verified, set execution.known_hosts to enable it")
	})
	return ssh.InsecureIgnoreHostKey(), nil
}

func (c SSHConfig) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := c.Port
	if port <= 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Dial opens an authenticated ssh connection for the unit. A certificate
// set on the unit takes precedence over the password.
func (c SSHConfig) Dial(ctx context.Context, unit *ExecutionUnit) (*ssh.Client, error) {
	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	var auth []ssh.AuthMethod
	if cert := unit.Certificate(); cert != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cert))
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if pwd := unit.Password(); pwd != "" {
		auth = append(auth,
			ssh.Password(pwd),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pwd
				}
				return answers, nil
			}),
		)
	}
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            unit.User(),
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	addr := c.address(unit.Host())
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}

// SSHExecutor runs a unit over ssh, either as a remote command (Exec mode)
// or as a recursive sftp upload (Sftp mode). A new connection is opened
// for each execution.
type SSHExecutor struct {
	*state
	config SSHConfig

	mx      sync.Mutex
	session *ssh.Session
}

func NewSSHExecutor(unit *ExecutionUnit, consumer OutputConsumer, config SSHConfig) (*SSHExecutor, error) {
	if unit == nil || unit.Type() != SSH2 {
		return nil, fmt.Errorf("%w: ssh executor needs a ssh2 unit", ErrInvalidUnit)
	}
	return &SSHExecutor{
		state:  newState(unit, consumer),
		config: config,
	}, nil
}

// CanConnect reports if the unit host accepts the unit credentials
func (e *SSHExecutor) CanConnect(ctx context.Context) bool {
	client, err := e.config.Dial(ctx, e.unit)
	if err != nil {
		slog.DebugContext(ctx, "can't connect", "host", e.unit.Host(), "error", err)
		return false
	}
	_ = client.Close()
	return true
}

func (e *SSHExecutor) Run(ctx context.Context) int {
	return e.run(ctx, e.Execute)
}

func (e *SSHExecutor) Execute(ctx context.Context, logMessages bool) (int, error) {
	if err := e.begin(); err != nil {
		return e.ReturnCode(), err
	}
	ctx = e.logContext(ctx)
	return e.finish(e.execute(ctx, logMessages))
}

func (e *SSHExecutor) execute(ctx context.Context, logMessages bool) (int, error) {
	if e.unit.SSHMode() == Shell {
		return InternalError, fmt.Errorf("%w: shell mode is not supported", ErrModeNotPermitted)
	}
	if e.unit.SSHMode() != Exec && e.unit.AsSuperUser() {
		return InternalError, ErrModeNotPermitted
	}

	client, err := e.config.Dial(ctx, e.unit)
	if err != nil {
		e.stopped.Store(true)
		return InternalError, err
	}
	defer func() {
		_ = client.Close()
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stop()

	var code int
	switch e.unit.SSHMode() {
	case Sftp:
		code, err = e.upload(ctx, client)
	default:
		code, err = e.exec(ctx, client, logMessages)
	}
	if err != nil {
		e.stopped.Store(true)
		return InternalError, err
	}
	return code, nil
}

func (e *SSHExecutor) exec(ctx context.Context, client *ssh.Client, logMessages bool) (int, error) {
	session, err := client.NewSession()
	if err != nil {
		return InternalError, fmt.Errorf("opening session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	args := e.unit.CommandLine()
	line := strings.Join(args, " ")
	if e.unit.AsSuperUser() {
		line = strings.Join(InsertSudoParams(args), " ")
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty("xterm", 80, 200, modes); err != nil {
			return InternalError, fmt.Errorf("requesting pty: %w", err)
		}
	}
	if dir := e.unit.WorkingDir(); dir != "" {
		line = "cd " + dir + " && " + line
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		return InternalError, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return InternalError, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		return InternalError, err
	}

	slog.DebugContext(ctx, "starting remote command", "command", line)
	if err := session.Start(line); err != nil {
		return InternalError, fmt.Errorf("starting remote command: %w", err)
	}
	e.attach(session)
	defer e.attach(nil)
	if e.IsStopped() {
		_ = session.Close()
	}

	password := e.unit.Password()
	if e.unit.AsSuperUser() {
		if _, err := io.WriteString(stdin, password+"\n"); err != nil {
			slog.DebugContext(ctx, "writing sudo password", "error", err)
		}
	}

	go func() {
		for line := range readLines(stderr) {
			if line != password && !isBlank(line) {
				slog.DebugContext(ctx, "stderr", "line", line)
			}
		}
	}()

	exited := make(chan error, 1)
	go func() {
		exited <- session.Wait()
	}()
	werr := pump(readLines(stdout), exited, func() { _ = session.Close() }, func(line string) {
		// the pty echoes the password back
		if password != "" && strings.TrimSpace(line) == password {
			return
		}
		e.emit(ctx, line, logMessages)
	})

	var (
		exitErr    *ssh.ExitError
		missingErr *ssh.ExitMissingError
	)
	switch {
	case werr == nil:
		return 0, nil
	case errors.As(werr, &exitErr):
		return exitErr.ExitStatus(), nil
	case errors.As(werr, &missingErr):
		return Killed, nil
	case e.IsStopped():
		// the session was closed by Stop or by ctx cancellation
		return Killed, nil
	default:
		return InternalError, fmt.Errorf("remote command: %w", werr)
	}
}

// upload copies arguments[0] into the remote directory arguments[1].
// Directories are uploaded recursively, dot files are skipped.
func (e *SSHExecutor) upload(ctx context.Context, client *ssh.Client) (int, error) {
	args := e.unit.Arguments()
	if len(args) < 2 {
		return InternalError, fmt.Errorf("%w: sftp needs a local path and a remote directory", ErrInvalidUnit)
	}
	local, remote := args[0], args[1]
	c, err := sftp.NewClient(client)
	if err != nil {
		return InternalError, fmt.Errorf("opening sftp: %w", err)
	}
	defer func() {
		_ = c.Close()
	}()

	info, err := os.Stat(local)
	if err != nil {
		return InternalError, err
	}
	if !info.IsDir() {
		err = e.putFile(ctx, c, local, path.Join(remote, filepath.Base(local)))
	} else {
		err = e.putDir(ctx, c, local, remote)
	}
	if err != nil {
		return InternalError, err
	}
	return 0, nil
}

func (e *SSHExecutor) putDir(ctx context.Context, c *sftp.Client, src, dst string) error {
	target := path.Join(dst, filepath.Base(src))
	if _, err := c.Stat(target); err != nil {
		slog.DebugContext(ctx, "creating remote directory", "path", target)
		if err := c.Mkdir(target); err != nil {
			return fmt.Errorf("creating %s: %w", target, err)
		}
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if e.IsStopped() || ctx.Err() != nil {
			return fmt.Errorf("upload of %s interrupted", src)
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		p := filepath.Join(src, entry.Name())
		if entry.IsDir() {
			err = e.putDir(ctx, c, p, target)
		} else {
			err = e.putFile(ctx, c, p, path.Join(target, entry.Name()))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *SSHExecutor) putFile(ctx context.Context, c *sftp.Client, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := c.OpenFile(dst, os.O_TRUNC|os.O_CREATE|os.O_WRONLY)
	if err != nil {
		return fmt.Errorf("opening remote %s: %w", dst, err)
	}
	n, err := out.ReadFrom(in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("uploading %s: %w", dst, err)
	}
	slog.DebugContext(ctx, "uploaded", "path", dst, "bytes", n)
	e.consumer.Consume(dst)
	return nil
}

func (e *SSHExecutor) attach(s *ssh.Session) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.session = s
}

func (e *SSHExecutor) signal(sig ssh.Signal) *ssh.Session {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.session == nil {
		return nil
	}
	if err := e.session.Signal(sig); err != nil {
		slog.Debug("ssh signal", "signal", sig, "error", err)
	}
	return e.session
}

// Stop interrupts the remote command and closes its session
func (e *SSHExecutor) Stop() error {
	e.stopped.Store(true)
	if s := e.signal(ssh.SIGINT); s != nil {
		_ = s.Close()
	}
	return nil
}

func (e *SSHExecutor) Suspend() error {
	e.suspended.Store(true)
	e.signal(ssh.Signal("STOP"))
	return nil
}

func (e *SSHExecutor) Resume() error {
	e.suspended.Store(false)
	e.signal(ssh.Signal("CONT"))
	return nil
}
