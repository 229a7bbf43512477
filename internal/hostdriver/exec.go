package hostdriver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/newellz2/lxrmq-go/internal/apierr"
)

// Execute runs a non-interactive command inside instance id via the Docker
// Engine API's exec create + exec start (Tty:false) over the unix socket,
// demultiplexing the stream into stdout/stderr instead of hijacking it to
// a terminal.
func (d *DockerCLI) Execute(ctx context.Context, id string, argv []string) (ExecResult, error) {
	execID, err := d.dockerCreateExec(id, argv)
	if err != nil {
		return ExecResult{}, apierr.Wrap(apierr.DriverError, err, "exec create in %s", id)
	}
	stdout, stderr, err := d.dockerStartExec(ctx, execID)
	if err != nil {
		return ExecResult{}, apierr.Wrap(apierr.DriverError, err, "exec start in %s", id)
	}
	code, err := d.dockerExecExitCode(execID)
	if err != nil {
		return ExecResult{}, apierr.Wrap(apierr.DriverError, err, "exec inspect in %s", id)
	}
	return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

func (d *DockerCLI) dockerDial() (net.Conn, error) {
	return net.Dial("unix", d.apiSocket)
}

func (d *DockerCLI) dockerAPIRequest(method, path string, body string) (*http.Response, error) {
	conn, err := d.dockerDial()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, "http://localhost"+path, strings.NewReader(body))
	if err != nil {
		conn.Close()
		return nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body = &connClosingReader{ReadCloser: resp.Body, conn: conn}
	return resp, nil
}

type connClosingReader struct {
	io.ReadCloser
	conn net.Conn
}

func (r *connClosingReader) Close() error {
	r.ReadCloser.Close()
	return r.conn.Close()
}

func (d *DockerCLI) dockerCreateExec(containerID string, argv []string) (string, error) {
	cmd, err := json.Marshal(argv)
	if err != nil {
		return "", err
	}
	body := fmt.Sprintf(`{"AttachStdin":false,"AttachStdout":true,"AttachStderr":true,"Tty":false,"Cmd":%s}`, cmd)

	resp, err := d.dockerAPIRequest("POST", fmt.Sprintf("/containers/%s/exec", containerID), body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("exec create failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		ID string `json:"Id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode exec response: %w", err)
	}
	return result.ID, nil
}

// dockerStartExec starts the exec instance and demultiplexes the
// non-TTY stdout/stderr stream (Docker's 8-byte-header framing) into two
// buffers.
func (d *DockerCLI) dockerStartExec(ctx context.Context, execID string) (stdout, stderr string, err error) {
	conn, err := d.dockerDial()
	if err != nil {
		return "", "", err
	}
	defer conn.Close()

	req, _ := http.NewRequest("POST", "http://localhost"+fmt.Sprintf("/exec/%s/start", execID), strings.NewReader(`{"Detach":false,"Tty":false}`))
	req.Header.Set("Content-Type", "application/json")
	if err := req.Write(conn); err != nil {
		return "", "", err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("exec start failed (status %d): %s", resp.StatusCode, string(body))
	}

	done := make(chan struct{})
	go func() {
		stdout, stderr = demuxDockerStream(resp.Body)
		close(done)
	}()

	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case <-done:
		return stdout, stderr, nil
	}
}

// demuxDockerStream splits Docker's multiplexed attach stream (each frame
// is an 8-byte header — stream type, 3 reserved bytes, 4-byte big-endian
// length — followed by that many payload bytes) into stdout and stderr.
func demuxDockerStream(r io.Reader) (stdout, stderr string) {
	var outBuf, errBuf strings.Builder
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		switch header[0] {
		case 2:
			errBuf.Write(payload)
		default:
			outBuf.Write(payload)
		}
	}
	return outBuf.String(), errBuf.String()
}

func (d *DockerCLI) dockerExecExitCode(execID string) (int, error) {
	resp, err := d.dockerAPIRequest("GET", fmt.Sprintf("/exec/%s/json", execID), "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var result struct {
		ExitCode int  `json:"ExitCode"`
		Running  bool `json:"Running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode exec inspect: %w", err)
	}
	return result.ExitCode, nil
}
