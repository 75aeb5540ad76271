package domain

// Receipt is a transaction receipt fetched from the chain.
type Receipt struct {
	TxHash            string
	BlockNumber       uint64
	BlockHash         string
	TxIndex           uint64
	Status            uint64
	GasUsed           uint64
	CumulativeGasUsed uint64
	EffectiveGasPrice string
}

func (r Receipt) Succeeded() bool {
	return r.Status == 1
}
