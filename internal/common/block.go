package common

import "math/big"

type Block struct {
	Number       uint64
	Hash         string
	ParentHash   string
	Timestamp    uint64
	LogsBloom    string
	Transactions []Transaction
}

type Transaction struct {
	Hash        string
	FromAddress string
	ToAddress   string
	Value       *big.Int
	Index       uint64
}
