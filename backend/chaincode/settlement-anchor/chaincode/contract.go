package chaincode

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

const (
	DocTypeSettlement = "SETTLEMENT"
	EventAnchored     = "SettlementAnchored"

	// OperatorMSP is the only organization allowed to anchor settlements.
	OperatorMSP = "CentralBankMSP"
)

// Settlement is the proof of one settled offline reservation.
type Settlement struct {
	DocType       string    `json:"docType"`
	ReservationID string    `json:"reservationId"`
	TransactionID string    `json:"transactionId"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Amount        string    `json:"amount"`
	Fee           string    `json:"fee"`
	Signature     string    `json:"signature"`
	SettledAt     time.Time `json:"settledAt"`
	FabricTxID    string    `json:"fabricTxId"`
}

// SmartContract anchors offline settlements, at most once per reservation.
type SmartContract struct {
	contractapi.Contract
}

func settlementKey(reservationID string) string {
	return DocTypeSettlement + "_" + reservationID
}

// RecordSettlement stores a settlement proof. A second proof for the same
// reservation id is rejected.
func (s *SmartContract) RecordSettlement(ctx contractapi.TransactionContextInterface, proofJSON string) error {
	mspID, err := ctx.GetClientIdentity().GetMSPID()
	if err != nil {
		return fmt.Errorf("failed to get MSP ID: %v", err)
	}
	if mspID != OperatorMSP {
		return fmt.Errorf("unauthorized: only %s can anchor settlements", OperatorMSP)
	}

	var proof Settlement
	if err := json.Unmarshal([]byte(proofJSON), &proof); err != nil {
		return fmt.Errorf("invalid settlement proof: %v", err)
	}
	if proof.ReservationID == "" || proof.TransactionID == "" || proof.Signature == "" {
		return fmt.Errorf("settlement proof is missing reservationId, transactionId or signature")
	}

	key := settlementKey(proof.ReservationID)
	existing, err := ctx.GetStub().GetState(key)
	if err != nil {
		return fmt.Errorf("failed to read settlement: %v", err)
	}
	if existing != nil {
		return fmt.Errorf("settlement for reservation %s already anchored", proof.ReservationID)
	}

	proof.DocType = DocTypeSettlement
	proof.FabricTxID = ctx.GetStub().GetTxID()
	body, err := json.Marshal(proof)
	if err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(key, body); err != nil {
		return err
	}
	return ctx.GetStub().SetEvent(EventAnchored, body)
}

func (s *SmartContract) GetSettlement(ctx contractapi.TransactionContextInterface, reservationID string) (*Settlement, error) {
	body, err := ctx.GetStub().GetState(settlementKey(reservationID))
	if err != nil {
		return nil, fmt.Errorf("failed to read settlement: %v", err)
	}
	if body == nil {
		return nil, fmt.Errorf("settlement for reservation %s does not exist", reservationID)
	}
	var proof Settlement
	if err := json.Unmarshal(body, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

func (s *SmartContract) SettlementExists(ctx contractapi.TransactionContextInterface, reservationID string) (bool, error) {
	body, err := ctx.GetStub().GetState(settlementKey(reservationID))
	if err != nil {
		return false, fmt.Errorf("failed to read settlement: %v", err)
	}
	return body != nil, nil
}
