// File: transport/tls_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/internal/testutil"
)

func TestLoadServerTLSFromPEMBundle(t *testing.T) {
	path := testutil.WriteSelfSignedPEM(t)
	srvCfg, err := LoadServerTLS(path, "")
	require.NoError(t, err)
	require.Len(t, srvCfg.Certificates, 1)

	cliCfg, err := ClientTLS("127.0.0.1", path, false)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		n, _ := c.Read(buf)
		_, _ = c.Write(buf[:n])
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c := tls.Client(raw, cliCfg)
	defer c.Close()
	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = c.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestLoadServerTLSErrors(t *testing.T) {
	_, err := LoadServerTLS(filepath.Join(t.TempDir(), "none.pem"), "")
	assert.ErrorIs(t, err, api.ErrConfig)

	junk := filepath.Join(t.TempDir(), "junk.p12")
	require.NoError(t, os.WriteFile(junk, []byte("not a pkcs12 bundle"), 0o600))
	_, err = LoadServerTLS(junk, "secret")
	assert.ErrorIs(t, err, api.ErrConfig)

	certOnly := filepath.Join(t.TempDir(), "cert.pem")
	data, err := os.ReadFile(testutil.WriteSelfSignedPEM(t))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certOnly, data[:len(data)/2], 0o600))
	_, err = LoadServerTLS(certOnly, "")
	assert.ErrorIs(t, err, api.ErrConfig)
}

func TestClientTLSRootErrors(t *testing.T) {
	cfg, err := ClientTLS("example", "", true)
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.RootCAs)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing"), 0o600))
	_, err = ClientTLS("example", empty, false)
	assert.ErrorIs(t, err, api.ErrConfig)
}
