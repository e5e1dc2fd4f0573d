// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package shell

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log"
	"net"

	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// ParseAuthorizedKeys parses public keys in OpenSSH authorized_keys format.
func ParseAuthorizedKeys(buf []byte) (keys []ssh.PublicKey, err error) {
	for line := range bytes.Lines(buf) {
		line = bytes.TrimSpace(line)

		if len(line) == 0 || line[0] == '#' {
			continue
		}

		key, _, _, _, err := gossh.ParseAuthorizedKey(line)

		if err != nil {
			return nil, fmt.Errorf("invalid authorized key, %v", err)
		}

		keys = append(keys, key)
	}

	return
}

// Authorized returns whether the argument key is among the argument
// authorized keys.
func Authorized(keys []ssh.PublicKey, key ssh.PublicKey) bool {
	for _, k := range keys {
		if ssh.KeysEqual(k, key) {
			return true
		}
	}

	return false
}

// Server represents an SSH console server.
type Server struct {
	// Interface is the session template, each session gets its own copy.
	Interface *Interface
	// AuthorizedKeys enables public key authentication when not empty,
	// otherwise any client is accepted.
	AuthorizedKeys []ssh.PublicKey

	srv *ssh.Server
}

func (s *Server) handle(sess ssh.Session) {
	iface := *s.Interface
	iface.ReadWriter = sess
	iface.Terminal = nil

	log.Printf("new ssh session from %s (%s)", sess.RemoteAddr(), sess.User())
	defer log.Printf("closing ssh session from %s", sess.RemoteAddr())

	pty, winCh, isPty := sess.Pty()

	if isPty {
		done := make(chan struct{})
		defer close(done)

		t := term.NewTerminal(sess, "")
		t.SetSize(pty.Window.Width, pty.Window.Height)

		iface.Terminal = t
		iface.VT100 = true

		go func() {
			for {
				select {
				case w, ok := <-winCh:
					if !ok {
						return
					}

					t.SetSize(w.Width, w.Height)
				case <-done:
					return
				}
			}
		}()
	}

	iface.Start()
}

// Serve instantiates an SSH console on the argument listener, it blocks
// until the server is closed.
func (s *Server) Serve(listener net.Listener) (err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	if err != nil {
		return fmt.Errorf("private key generation error, %v", err)
	}

	signer, err := gossh.NewSignerFromKey(key)

	if err != nil {
		return fmt.Errorf("key conversion error, %v", err)
	}

	s.srv = &ssh.Server{
		Handler: s.handle,
	}

	if len(s.AuthorizedKeys) > 0 {
		s.srv.PublicKeyHandler = func(_ ssh.Context, key ssh.PublicKey) bool {
			return Authorized(s.AuthorizedKeys, key)
		}
	}

	s.srv.AddHostKey(signer)

	log.Printf("starting ssh server on %s (%s)", listener.Addr(), gossh.FingerprintSHA256(signer.PublicKey()))

	return s.srv.Serve(listener)
}

// ListenAndServe listens on the argument TCP address and serves the console.
func (s *Server) ListenAndServe(addr string) (err error) {
	listener, err := net.Listen("tcp", addr)

	if err != nil {
		return
	}

	return s.Serve(listener)
}

// Close stops the server.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}

	return s.srv.Close()
}
