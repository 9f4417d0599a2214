package llm

import (
	"context"
	"errors"
	"testing"
)

type stubClient struct {
	resp *Response
	err  error
}

func (s stubClient) Generate(context.Context, Request) (*Response, error) {
	return s.resp, s.err
}

func TestInsightDegrades(t *testing.T) {
	cases := []struct {
		name   string
		client Client
		want   string
	}{
		{"nil client", nil, NoInsight},
		{"provider error", stubClient{err: errors.New("down")}, NoInsight},
		{"blank text", stubClient{resp: &Response{Text: "  "}}, NoInsight},
		{"ok", stubClient{resp: &Response{Text: " 收益稳定 "}}, "收益稳定"},
	}
	for _, tc := range cases {
		if got := Insight(context.Background(), tc.client, Request{Prompt: "p"}, nil); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
