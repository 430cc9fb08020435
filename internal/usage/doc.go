// Package usage implements the token usage ledger.
//
// Token counts are estimated with a character heuristic:
//
//	EstimateTokens(s) = 0                     if s == ""
//	                  = max(1, ceil(runes/4)) otherwise
//
// This is an approximation, not a tokenizer-exact count. When an agent reports
// real counts they take precedence and the record is marked "estimated": false.
//
// Cost is derived purely from token counts and a pricing table keyed by
// "provider/model" or "provider". Missing pricing costs 0.
package usage
