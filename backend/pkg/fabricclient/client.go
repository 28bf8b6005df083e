package fabricclient

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperledger/fabric-sdk-go/pkg/core/config"
	"github.com/hyperledger/fabric-sdk-go/pkg/gateway"
)

const identityLabel = "appUser"

// SettlementProof is the record anchored on the settlement-anchor chaincode
// for every settled offline reservation.
type SettlementProof struct {
	ReservationID string    `json:"reservationId"`
	TransactionID string    `json:"transactionId"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Amount        string    `json:"amount"`
	Fee           string    `json:"fee"`
	Signature     string    `json:"signature"`
	SettledAt     time.Time `json:"settledAt"`
}

type Client struct {
	gw       *gateway.Gateway
	network  *gateway.Network
	contract *gateway.Contract
	submit   submitFunc
}

type submitFunc func(name string, args ...string) ([]byte, error)

type Options struct {
	ConfigPath string
	WalletPath string
	Channel    string
	Contract   string
	MSPID      string
	CertPath   string
	KeyPath    string
}

func NewClient(opts Options) (*Client, error) {
	walletPath := opts.WalletPath
	if walletPath == "" {
		walletPath = "wallet"
	}
	wallet, err := gateway.NewFileSystemWallet(walletPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %v", err)
	}

	if !wallet.Exists(identityLabel) {
		err = populateWallet(wallet, opts.MSPID, opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to populate wallet: %v", err)
		}
	}

	gw, err := gateway.Connect(
		gateway.WithConfig(config.FromFile(filepath.Clean(opts.ConfigPath))),
		gateway.WithIdentity(wallet, identityLabel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %v", err)
	}

	network, err := gw.GetNetwork(opts.Channel)
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to get network: %v", err)
	}

	contract := network.GetContract(opts.Contract)
	return &Client{
		gw:       gw,
		network:  network,
		contract: contract,
		submit:   contract.SubmitTransaction,
	}, nil
}

// AnchorSettlement records a settlement proof on the ledger channel. The
// chaincode rejects a second proof for the same reservation. The gateway
// call cannot be cancelled, so ctx only bounds how long the caller waits.
func (c *Client) AnchorSettlement(ctx context.Context, p SettlementProof) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := submitContext(ctx, c.submit, "RecordSettlement", string(body)); err != nil {
		return fmt.Errorf("failed to anchor settlement %s: %w", p.ReservationID, err)
	}
	return nil
}

// submitContext runs submit and returns early with ctx.Err() when ctx ends
// first. The abandoned call finishes in the background.
func submitContext(ctx context.Context, submit submitFunc, name string, args ...string) ([]byte, error) {
	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := submit(name, args...)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) SettlementAnchored(reservationID string) (bool, error) {
	out, err := c.contract.EvaluateTransaction("SettlementExists", reservationID)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := json.Unmarshal(out, &exists); err != nil {
		return false, fmt.Errorf("unexpected SettlementExists response %q: %w", out, err)
	}
	return exists, nil
}

// WatchSettlements calls fn for every SettlementAnchored chaincode event
// until ctx is cancelled.
func (c *Client) WatchSettlements(ctx context.Context, fn func(SettlementProof)) error {
	reg, events, err := c.contract.RegisterEvent("SettlementAnchored")
	if err != nil {
		return err
	}
	go func() {
		defer c.contract.Unregister(reg)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				var p SettlementProof
				if err := json.Unmarshal(ev.Payload, &p); err == nil {
					fn(p)
				}
			}
		}
	}()
	return nil
}

func (c *Client) Close() {
	c.gw.Close()
}

func populateWallet(wallet *gateway.Wallet, mspID, certPath, keyPath string) error {
	cert, err := os.ReadFile(filepath.Clean(certPath))
	if err != nil {
		return err
	}

	key, err := os.ReadFile(filepath.Clean(keyPath))
	if err != nil {
		return err
	}

	identity := gateway.NewX509Identity(mspID, string(cert), string(key))

	return wallet.Put(identityLabel, identity)
}
