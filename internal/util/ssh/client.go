// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const dialTimeout = 10 * time.Second

// Client implements Runner and FileTransfer for real SSH connections.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string
}

// NewClient creates a new SSH client.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return &Client{
		Host:       host,
		User:       user,
		PrivateKey: key,
		Port:       port,
	}, nil
}

// Run executes cmd on the remote host and returns its output and exit
// code. A non-zero exit code is not an error; transport failures are.
func (c *Client) Run(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", "", -1, err
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Run(cmd); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitStatus(), nil
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("remote command failed: %w", err)
	}

	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

// Pull copies a remote file to localPath over SFTP.
func (c *Client) Pull(ctx context.Context, remotePath, localPath string) error {
	return c.transfer(ctx, func(client *sftp.Client) error {
		src, err := client.Open(remotePath)
		if err != nil {
			return fmt.Errorf("unable to open remote file %s: %w", remotePath, err)
		}
		defer runFuncAndLogErr(src.Close)

		dst, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("unable to create local file %s: %w", localPath, err)
		}
		defer runFuncAndLogErr(dst.Close)

		_, err = io.Copy(dst, src)
		return err
	})
}

// Push copies a local file to remotePath over SFTP.
func (c *Client) Push(ctx context.Context, localPath, remotePath string) error {
	return c.transfer(ctx, func(client *sftp.Client) error {
		src, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("unable to open local file %s: %w", localPath, err)
		}
		defer runFuncAndLogErr(src.Close)

		dst, err := client.Create(remotePath)
		if err != nil {
			return fmt.Errorf("unable to create remote file %s: %w", remotePath, err)
		}
		defer runFuncAndLogErr(dst.Close)

		_, err = io.Copy(dst, src)
		return err
	})
}

// AwaitServer waits for the SSH server to accept connections, retrying
// with exponential backoff until timeout.
func (c *Client) AwaitServer(ctx context.Context, timeout time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		conn, err := c.dial(ctx)
		if err != nil {
			return struct{}{}, err
		}
		_ = conn.Close()
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return fmt.Errorf("timed out waiting for SSH server at %s: %w", net.JoinHostPort(c.Host, c.Port), err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // Test instances are ephemeral; no known_hosts to check against.
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(c.Host, c.Port)
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) transfer(ctx context.Context, fn func(*sftp.Client) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer runFuncAndLogErr(conn.Close)

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("unable to open SFTP session: %w", err)
	}
	defer runFuncAndLogErr(client.Close)

	return fn(client)
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
