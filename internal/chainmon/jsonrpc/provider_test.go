package jsonrpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bridgevalidator/node/internal/chainmon/jsonrpc"
	"github.com/bridgevalidator/node/internal/log"
)

type rpcCall struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func TestHeadHeightParsesHexQuantity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		require.Equal(t, "eth_blockNumber", call.Method)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x64"}`))
	}))
	defer srv.Close()

	p := jsonrpc.New(log.DefaultLogger(), srv.URL, "0xcontract", 1)
	defer p.Close()

	height, err := p.HeadHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), height)
}

func TestHeadHeightPropagatesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"header not found"}}`))
	}))
	defer srv.Close()

	p := jsonrpc.New(log.DefaultLogger(), srv.URL, "0xcontract", 1)
	defer p.Close()

	_, err := p.HeadHeight(context.Background())
	require.ErrorContains(t, err, "header not found")
}

func TestSubscribeDecodesSignalSentLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		if call.Method == "eth_getLogs" {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":[{
				"address":"0xcontract",
				"topics":["` + jsonrpc.TopicSignalSent + `","0xsignalid"],
				"data":"payload",
				"blockNumber":"0x5",
				"transactionHash":"0xtx"
			}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x10"}`))
	}))
	defer srv.Close()

	p := jsonrpc.New(log.DefaultLogger(), srv.URL, "0xcontract", 7)
	defer p.Close()

	ch, err := p.Subscribe(context.Background())
	require.NoError(t, err)

	select {
	case l := <-ch:
		require.Equal(t, "0xsignalid", l.SignalID)
		require.True(t, l.IsSent)
		require.Equal(t, uint32(7), l.SrcChainID)
		require.Equal(t, uint64(5), l.BlockNum)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for decoded log")
	}
}
