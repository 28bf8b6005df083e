package main

import (
	"log"

	"github.com/centralbank/paychain/backend/chaincode/settlement-anchor/chaincode"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

func main() {
	anchorChaincode, err := contractapi.NewChaincode(&chaincode.SmartContract{})
	if err != nil {
		log.Panicf("Error creating settlement-anchor chaincode: %v", err)
	}

	if err := anchorChaincode.Start(); err != nil {
		log.Panicf("Error starting settlement-anchor chaincode: %v", err)
	}
}
