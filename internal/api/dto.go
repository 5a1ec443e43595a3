package api

import "github.com/vocpar/vocpar/internal/simulate"

// ShardInfo describes one rank's slice of the padded vocabulary.
type ShardInfo struct {
	Rank            int `json:"rank"`
	OrgVocabStart   int `json:"org_vocab_start"`
	OrgVocabEnd     int `json:"org_vocab_end"`
	AddedVocabStart int `json:"added_vocab_start"`
	AddedVocabEnd   int `json:"added_vocab_end"`
	OrgVocabPadding int `json:"org_vocab_padding"`
	Width           int `json:"width"`
}

// PlanResponse is the shard layout for one topology.
type PlanResponse struct {
	NumEmbeddings    int         `json:"num_embeddings"`
	OrgNumEmbeddings int         `json:"org_num_embeddings"`
	PaddingSize      int         `json:"padding_size"`
	WorldSize        int         `json:"world_size"`
	PaddedVocab      int         `json:"padded_vocab"`
	PerPartition     int         `json:"per_partition"`
	Shards           []ShardInfo `json:"shards"`
}

// SimulateRequest configures an in-process simulation run.
type SimulateRequest struct {
	NumEmbeddings    int    `json:"num_embeddings"`
	OrgNumEmbeddings int    `json:"org_num_embeddings,omitempty"`
	EmbeddingDim     int    `json:"embedding_dim"`
	PaddingSize      int    `json:"padding_size,omitempty"`
	WorldSize        int    `json:"world_size"`
	Parallelism      string `json:"parallelism,omitempty"`
	BatchSizes       []int  `json:"batch_sizes,omitempty"`
	TokensPerRank    int    `json:"tokens_per_rank,omitempty"`
	Seed             int64  `json:"seed,omitempty"`
}

// SimulateResponse wraps a simulation result with its run id.
type SimulateResponse struct {
	ID     string           `json:"id"`
	Result *simulate.Result `json:"result"`
}

// VersionResponse reports the server build.
type VersionResponse struct {
	Version string `json:"version"`
}

// ResponseError is the error payload shared by all endpoints.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
