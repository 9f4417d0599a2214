// Package llm abstracts the completion provider used for operation insights.
// Callers go through Insight so a provider outage only removes the insight
// text instead of failing the surrounding operation.
package llm
