package serialmux

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledSerialMux_UnsubscribeClosesChannel(t *testing.T) {
	d := NewDisabledSerialMux()
	id, ch := d.Subscribe()
	d.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestDisabledSerialMux_CloseClosesAllChannels(t *testing.T) {
	d := NewDisabledSerialMux()
	_, ch1 := d.Subscribe()
	_, ch2 := d.Subscribe()
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)

	_, ch3 := d.Subscribe()
	_, ok3 := <-ch3
	assert.False(t, ok3, "subscribing after close yields a closed channel")
}

func TestDisabledSerialMux_InjectAndSent(t *testing.T) {
	d := NewDisabledSerialMux()
	_, ch := d.Subscribe()

	d.Inject(`{"type":"bind","addr":"a1"}`)
	assert.Equal(t, `{"type":"bind","addr":"a1"}`, <-ch)

	require.NoError(t, d.SendCommand("UNBOUND a1"))
	assert.Equal(t, []string{"UNBOUND a1"}, d.Sent())
}

func TestDisabledSerialMux_ConsoleInjects(t *testing.T) {
	d := NewDisabledSerialMux()
	_, ch := d.Subscribe()

	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)

	form := url.Values{"command": {`{"type":"config","addr":"a1"}`}}
	req := localHostRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"type":"config","addr":"a1"}`, <-ch)
	assert.Empty(t, d.Sent())
}
