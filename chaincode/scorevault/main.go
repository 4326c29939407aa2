package main

import "github.com/hyperledger/fabric-contract-api-go/v2/contractapi"

func main() {
	cc, err := contractapi.NewChaincode(new(ScoreVaultContract))
	if err != nil {
		panic(err)
	}
	if err := cc.Start(); err != nil {
		panic(err)
	}
}
