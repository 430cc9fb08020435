// Package memory assembles the context given to the agent for a single turn.
//
// The Manager reads two sources:
//
//   - the conversation log, windowed by message count and optionally by an
//     estimated token budget
//   - the user's memory fragments, ranked against the prompt by a pluggable Ranker
//
// Rankers must be deterministic for identical inputs. KeywordRanker scores token
// overlap; EmbeddingRanker scores cosine similarity between a prompt embedding and
// stored fragment vectors. Fragments are only ever read for the requesting user.
package memory
