package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchKlinesParsesTupleRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/klines", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "5m", r.URL.Query().Get("interval"))
		w.Write([]byte(`[
			[1700000000000,"64900.1","65100.5","64800.0","65000.2","120.5",1700000299999,"0",0,"0","0","0"],
			[1700000300000,"65000.2","65200.0","64950.0","65150.9","98.2",1700000599999,"0",0,"0","0","0"]
		]`))
	}))
	defer srv.Close()

	c := NewHistoryClient(WithHistoryBaseURL(srv.URL))
	klines, err := c.FetchKlines(context.Background(), "BTCUSDT", "5m", 72)
	require.NoError(t, err)
	require.Len(t, klines, 2)

	require.Equal(t, int64(1700000000000), klines[0].OpenTime)
	require.Equal(t, int64(1700000299999), klines[0].CloseTime)
	require.InDelta(t, 65000.2, klines[0].Close, 1e-9)
	require.InDelta(t, 120.5, klines[0].Volume, 1e-9)
	require.True(t, klines[0].Closed)
	require.InDelta(t, 65150.9, klines[1].Close, 1e-9)
}

func TestFetchKlinesDropsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			[1700000000000,"not-a-number","65100","64800","65000","120",1700000299999],
			[1700000300000,"65000","65200","64950","65150","98",1700000599999],
			[1700000600000,"65150"]
		]`))
	}))
	defer srv.Close()

	c := NewHistoryClient(WithHistoryBaseURL(srv.URL))
	klines, err := c.FetchKlines(context.Background(), "BTCUSDT", "5m", 72)
	require.NoError(t, err)
	require.Len(t, klines, 1, "unparseable and short rows are dropped, not fatal")
	require.InDelta(t, 65150, klines[0].Close, 1e-9)
}

func TestFetchKlinesSurfacesVenueError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := NewHistoryClient(WithHistoryBaseURL(srv.URL))
	_, err := c.FetchKlines(context.Background(), "NOPEUSDT", "5m", 72)
	require.Error(t, err)

	var verr *VenueError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, -1121, verr.Code)
}
