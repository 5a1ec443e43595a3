// Package api serves the diagnostics HTTP surface: shard plan inspection
// and in-process simulation of a vocabulary-parallel topology. It carries
// no forward-path traffic; production lookups never cross this server.
package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/vocpar/vocpar/internal/logger"
	"github.com/vocpar/vocpar/internal/shard"
	"github.com/vocpar/vocpar/internal/simulate"
	"github.com/vocpar/vocpar/internal/version"
	"github.com/vocpar/vocpar/internal/vocab"
)

type Server struct {
	log logger.Logger
}

func NewServer(log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/plan", s.handlePlan)
	e.POST("/v1/simulate", s.handleSimulate)
	e.GET("/v1/version", s.handleVersion)
}

func (s *Server) handlePlan(c *echo.Context) error {
	numEmbeddings, err := queryInt(c, "num_embeddings", 0)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	orgVocab, err := queryInt(c, "org_num_embeddings", numEmbeddings)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	padding, err := queryInt(c, "padding_size", shard.DefaultVocabPaddingSize)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	worldSize, err := queryInt(c, "world_size", 1)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if numEmbeddings <= 0 {
		return writeBadRequest(c, "num_embeddings is required and must be positive")
	}

	resp, err := buildPlan(numEmbeddings, orgVocab, padding, worldSize)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	return writeJSON(c, http.StatusOK, resp)
}

func buildPlan(numEmbeddings, orgVocab, padding, worldSize int) (*PlanResponse, error) {
	orgPadded := shard.PadVocabSize(orgVocab, padding)
	totalPadded := shard.PadVocabSize(orgPadded+(numEmbeddings-orgVocab), padding)

	resp := &PlanResponse{
		NumEmbeddings:    numEmbeddings,
		OrgNumEmbeddings: orgVocab,
		PaddingSize:      padding,
		WorldSize:        worldSize,
		PaddedVocab:      totalPadded,
		Shards:           make([]ShardInfo, 0, worldSize),
	}
	for rank := 0; rank < worldSize; rank++ {
		idx, err := shard.Compute(totalPadded, orgPadded, numEmbeddings, orgVocab, rank, worldSize)
		if err != nil {
			return nil, err
		}
		resp.PerPartition = idx.NumElementsPadded
		resp.Shards = append(resp.Shards, ShardInfo{
			Rank:            rank,
			OrgVocabStart:   idx.OrgVocabStart,
			OrgVocabEnd:     idx.OrgVocabEnd,
			AddedVocabStart: idx.AddedVocabStart,
			AddedVocabEnd:   idx.AddedVocabEnd,
			OrgVocabPadding: idx.NumOrgVocabPadding,
			Width:           idx.NumElementsPadded,
		})
	}
	return resp, nil
}

func (s *Server) handleSimulate(c *echo.Context) error {
	req, err := decodeJSON[SimulateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	parallelism, err := vocab.ParseParallelism(req.Parallelism)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	runID := uuid.NewString()
	s.log.Info("simulation requested",
		"run_id", runID, "world", req.WorldSize, "parallelism", parallelism.String())

	res, err := simulate.Run(simulate.Config{
		NumEmbeddings:    req.NumEmbeddings,
		OrgNumEmbeddings: req.OrgNumEmbeddings,
		EmbeddingDim:     req.EmbeddingDim,
		PaddingSize:      req.PaddingSize,
		WorldSize:        req.WorldSize,
		Parallelism:      parallelism,
		BatchSizes:       req.BatchSizes,
		TokensPerRank:    req.TokensPerRank,
		Seed:             req.Seed,
	}, s.log)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	return writeJSON(c, http.StatusOK, SimulateResponse{ID: runID, Result: res})
}

func (s *Server) handleVersion(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, VersionResponse{Version: version.String()})
}
