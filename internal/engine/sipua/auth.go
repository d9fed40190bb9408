package sipua

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sebas/sipcaller/internal/engine"
)

func needsAuth(res *sip.Response) bool {
	return res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired
}

// authorize answers a 401/407 challenge by adding credentials to req. The
// CSeq is bumped and the Via dropped so the request goes out as a new
// transaction.
func authorize(req *sip.Request, res *sip.Response, creds engine.Credentials) error {
	challengeHdr, authHdr := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeHdr, authHdr = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHdr)
	if h == nil {
		return fmt.Errorf("%d without %s header", res.StatusCode, challengeHdr)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return fmt.Errorf("compute digest: %w", err)
	}

	req.RemoveHeader(authHdr)
	req.AppendHeader(sip.NewHeader(authHdr, cred.String()))
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	req.RemoveHeader("Via")
	return nil
}

// roundTrip sends req in a client transaction and returns its final
// response. The CSeq is sent as built.
func (ep *Endpoint) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	ep.log.wire("TX", req.Destination(), req.String())
	tx, err := ep.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-tx.Responses():
			if res == nil {
				return nil, errors.New("transaction ended without response")
			}
			ep.log.wire("RX", res.Source(), res.String())
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated without final response")
		}
	}
}

// doAuthenticated is roundTrip plus one digest retry on 401/407.
func (ep *Endpoint) doAuthenticated(ctx context.Context, req *sip.Request, creds engine.Credentials) (*sip.Response, error) {
	res, err := ep.roundTrip(ctx, req)
	if err != nil || !needsAuth(res) {
		return res, err
	}
	if creds.Username == "" {
		return res, nil
	}
	if err := authorize(req, res, creds); err != nil {
		return nil, err
	}
	return ep.roundTrip(ctx, req)
}
