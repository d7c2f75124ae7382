package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jDay-whyT/converterBot-backend/internal/faults"
)

func TestSendMessageReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bottok/sendMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "77", r.Form.Get("chat_id"))
		require.Equal(t, "5", r.Form.Get("message_thread_id"))
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":901}}`)
	}))
	defer srv.Close()

	c := NewClient("tok").WithBaseURL(srv.URL)
	id, err := c.SendMessage(context.Background(), 77, 5, "Принято")
	require.NoError(t, err)
	require.EqualValues(t, 901, id)
}

func TestCallRetriesOnFloodControl(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":0}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1}}`)
	}))
	defer srv.Close()

	c := NewClient("tok").WithBaseURL(srv.URL)
	_, err := c.SendMessage(context.Background(), 1, 0, "x")
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestCallFloodControlRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":0}}`)
	}))
	defer srv.Close()

	c := NewClient("tok").WithBaseURL(srv.URL)
	_, err := c.SendMessage(context.Background(), 1, 0, "x")
	require.Error(t, err)
	require.Equal(t, faults.KindTransient, faults.KindOf(err))
}

func TestFloodControlWithoutRetryAfterIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`)
	}))
	defer srv.Close()

	c := NewClient("tok").WithBaseURL(srv.URL)
	_, err := c.SendMessage(context.Background(), 1, 0, "x")
	require.Error(t, err)
	require.Equal(t, faults.KindTransient, faults.KindOf(err),
		"a rate-limited call must stay retryable even without retry_after")
}

func TestEditIgnoresNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`)
	}))
	defer srv.Close()

	c := NewClient("tok").WithBaseURL(srv.URL)
	require.NoError(t, c.EditMessageText(context.Background(), 1, 2, "same text"))
}

func TestClassifyAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	c := NewClient("bad").WithBaseURL(srv.URL)
	_, err := c.GetFilePath(context.Background(), "f1")
	require.Error(t, err)
	require.Equal(t, faults.KindAuth, faults.KindOf(err))
}

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/file/bottok/photos/a.dng", r.URL.Path)
		w.Write([]byte("rawbytes"))
	}))
	defer srv.Close()

	c := NewClient("tok").WithBaseURL(srv.URL)
	data, err := c.DownloadFile(context.Background(), "photos/a.dng")
	require.NoError(t, err)
	require.Equal(t, []byte("rawbytes"), data)
}

func TestDownloadFileServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("tok").WithBaseURL(srv.URL)
	_, err := c.DownloadFile(context.Background(), "x")
	require.Error(t, err)
	require.Equal(t, faults.KindTransient, faults.KindOf(err))
}
