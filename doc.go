// Package casemill is a group-chat support assistant engine.
//
// It watches a messaging channel, continuously mines solved support cases
// out of the running conversation, indexes them as retrievable knowledge,
// and answers new questions with citations when the indexed evidence is
// strong enough.
//
// The package is organized around a small set of interfaces (Store,
// VectorIndex, Gateway, Messenger, BlobStore) with backends in
// sub-packages (store/sqlite, store/mysql, store/postgres, vector/qdrant,
// llm/openaicompat, frontend/telegram, blob/s3). The pipeline itself lives
// here: the Ingestor normalizes and persists inbound messages and enqueues
// work, a durable per-kind FIFO job queue connects the two workers, the
// BufferWorker grows per-group knowledge by extracting solved cases from a
// rolling transcript, and the RespondWorker decides whether a retrievable
// answer exists and sends at most one reply per inbound message.
//
// A bulk history bootstrap shares the same data model: it slices long
// transcripts into overlapping chunks, extracts case blocks in short-lived
// subprocess workers, and upserts the results through the same vector
// contract. A periodic reconciler keeps the vector index and the
// relational store in parity.
package casemill
