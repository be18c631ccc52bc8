// Package client is the Concord Go SDK.
//
// It wraps the governd HTTP API: proposing and voting on amendments,
// verifying the audit chain, querying and exporting audit events, and the
// operational endpoints (circuit breaker, partitions).
//
// # Connecting
//
//	c := client.New("http://localhost:8090",
//	    client.WithToken(os.Getenv("CONCORD_TOKEN")),
//	)
//
// The token is a governance bearer token issued by the operator; read-only
// calls work without one when the daemon runs unauthenticated.
//
// # Amendment lifecycle
//
//	a, err := c.Propose(ctx, client.ProposeRequest{
//	    AmendmentType:     "parameter_change",
//	    EffectiveAt:       time.Now().Add(72 * time.Hour),
//	    ParameterKey:      "quality_threshold",
//	    ProposedValue:     0.8,
//	    ApprovalThreshold: 20,
//	})
//	out, err := c.Vote(ctx, a.ID, client.VoteRequest{Decision: "approve"})
//	if out.Result.Approved {
//	    a, err = c.Enact(ctx, a.ID, "")
//	}
//
// The voter identity and governance tier come from the bearer token; body
// fields are only honored by unauthenticated development daemons.
//
// # Ledger integrity
//
//	res, err := c.Verify(ctx, client.VerifyOptions{DomainTag: "governance"})
//	if !res.Valid {
//	    log.Printf("chain broken at seq %d", res.BrokenAt)
//	}
//
// # Exporting training data
//
// Export streams JSON Lines straight to a writer:
//
//	f, _ := os.Create("export.jsonl")
//	n, err := c.Export(ctx, client.EventFilter{DomainTag: "reputation:team-a"}, true, f)
//
// Every non-2xx response is returned as a *APIError carrying the status
// code and the server's error message:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
//	    // duplicate vote, wrong state, version drift ...
//	}
package client
