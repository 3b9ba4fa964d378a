package main

import (
	"log"

	"github.com/rxtrust/rxtrust/internal/chaincode"
)

func main() {
	cc, err := chaincode.NewChaincode()
	if err != nil {
		log.Panicf("Error creating prescription chaincode: %v", err)
	}
	if err := cc.Start(); err != nil {
		log.Panicf("Error starting prescription chaincode: %v", err)
	}
}
