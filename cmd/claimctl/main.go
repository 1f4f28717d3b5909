package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/internal/claim"
	"github.com/fixzit/claimd/internal/dedup"
	"github.com/fixzit/claimd/internal/eventbus"
	"github.com/fixzit/claimd/internal/scope"
)

var (
	app       = kingpin.New("claimctl", "Command line client for the claimd coordination server")
	serverURL = app.Flag("server", "Server base URL").Envar("CLAIMD_SERVER_URL").Default("http://localhost:3200").String()
	apiKey    = app.Flag("api-key", "API key").Envar("CLAIMD_API_KEY").Required().String()

	listCmd        = app.Command("list", "List claimable tasks")
	listAll        = listCmd.Flag("all", "Include unclaimable tasks").Bool()
	listDomain     = listCmd.Flag("domain", "Filter by domain").String()
	listOwnerClass = listCmd.Flag("owner-class", "Filter by suggested owner class").String()
	listStatus     = listCmd.Flag("status", "Filter by status").String()
	listLimit      = listCmd.Flag("limit", "Maximum number of tasks").Default("50").Int()

	showCmd = app.Command("show", "Show task details")
	showKey = showCmd.Arg("key", "Task key").Required().String()

	createCmd      = app.Command("create", "Create a task (or merge into a duplicate)")
	createSummary  = createCmd.Arg("summary", "Task summary").Required().String()
	createDomain   = createCmd.Flag("domain", "Task domain").Required().String()
	createPrimary  = createCmd.Flag("primary-path", "Primary resource path").Required().String()
	createPaths    = createCmd.Flag("path", "Additional resource path (repeatable)").Strings()
	createEvidence = createCmd.Flag("evidence", "Evidence snippet").String()
	createSource   = createCmd.Flag("source", "Source reference").String()
	createRank     = createCmd.Flag("rank", "Priority rank").Default("0").Int()
	createLabel    = createCmd.Flag("label", "Priority label").String()
	createReopen   = createCmd.Flag("reopen", "Reopen a closed duplicate").Bool()

	claimCmd        = app.Command("claim", "Claim a task")
	claimKey        = claimCmd.Arg("key", "Task key").Required().String()
	claimOwner      = claimCmd.Flag("owner", "Owner ID").Required().String()
	claimOwnerClass = claimCmd.Flag("owner-class", "Owner class").String()
	claimPaths      = claimCmd.Flag("path", "Resource path to claim (repeatable)").Strings()
	claimLease      = claimCmd.Flag("lease", "Lease duration").Duration()
	claimVersion    = claimCmd.Flag("expected-version", "Version the claim is conditioned on").Int64()

	renewCmd    = app.Command("renew", "Renew an active lease")
	renewKey    = renewCmd.Arg("key", "Task key").Required().String()
	renewToken  = renewCmd.Flag("token", "Claim token").Required().String()
	renewExtend = renewCmd.Flag("extend", "Extension duration").Duration()

	releaseCmd   = app.Command("release", "Release a claimed task")
	releaseKey   = releaseCmd.Arg("key", "Task key").Required().String()
	releaseToken = releaseCmd.Flag("token", "Claim token").Required().String()

	transitionCmd     = app.Command("transition", "Move a task to a new status")
	transitionKey     = transitionCmd.Arg("key", "Task key").Required().String()
	transitionStatus  = transitionCmd.Arg("status", "New status").Required().String()
	transitionToken   = transitionCmd.Flag("token", "Claim token").String()
	transitionReason  = transitionCmd.Flag("reason", "Transition reason").String()
	transitionVersion = transitionCmd.Flag("expected-version", "Version the transition is conditioned on").Int64()

	widenCmd   = app.Command("widen", "Widen a claimed task's resource paths")
	widenKey   = widenCmd.Arg("key", "Task key").Required().String()
	widenToken = widenCmd.Flag("token", "Claim token").Required().String()
	widenPaths = widenCmd.Flag("path", "Path to add (repeatable)").Required().Strings()

	delegateCmd     = app.Command("delegate", "Spawn a task for a newly discovered area")
	delegateKey     = delegateCmd.Arg("key", "Delegating task key").Required().String()
	delegateToken   = delegateCmd.Flag("token", "Claim token").Required().String()
	delegateDomain  = delegateCmd.Flag("domain", "Spawned task domain").Required().String()
	delegateSummary = delegateCmd.Flag("summary", "Spawned task summary").Required().String()
	delegatePrimary = delegateCmd.Flag("primary-path", "Spawned task primary resource path").Required().String()

	handoffCmd       = app.Command("handoff", "Hand a task off to another owner class")
	handoffKey       = handoffCmd.Arg("key", "Task key").Required().String()
	handoffToken     = handoffCmd.Flag("token", "Claim token").Required().String()
	handoffReason    = handoffCmd.Flag("reason", "Handoff reason").Required().String()
	handoffSuggested = handoffCmd.Flag("suggest", "Suggested owner class").String()

	overrideCmd    = app.Command("override", "Operator override of a task's assignment")
	overrideKey    = overrideCmd.Arg("key", "Task key").Required().String()
	overrideStatus = overrideCmd.Arg("status", "New status").Required().String()
	overrideActor  = overrideCmd.Flag("actor", "Operator identity").Required().String()
	overrideReason = overrideCmd.Flag("reason", "Override reason").Required().String()

	watchCmd  = app.Command("watch", "Stream lifecycle events")
	watchType = watchCmd.Flag("type", "Filter by event type").String()
	watchKey  = watchCmd.Flag("task-key", "Filter by task key").String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	c := newClient(*serverURL, *apiKey)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch command {
	case listCmd.FullCommand():
		err = runList(ctx, c)
	case showCmd.FullCommand():
		err = runShow(ctx, c)
	case createCmd.FullCommand():
		err = runCreate(ctx, c)
	case claimCmd.FullCommand():
		err = runClaim(ctx, c)
	case renewCmd.FullCommand():
		err = runRenew(ctx, c)
	case releaseCmd.FullCommand():
		err = runRelease(ctx, c)
	case transitionCmd.FullCommand():
		err = runTransition(ctx, c)
	case widenCmd.FullCommand():
		err = runWiden(ctx, c)
	case delegateCmd.FullCommand():
		err = runDelegate(ctx, c)
	case handoffCmd.FullCommand():
		err = runHandoff(ctx, c)
	case overrideCmd.FullCommand():
		err = runOverride(ctx, c)
	case watchCmd.FullCommand():
		err = runWatch(ctx, c)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %s", err))
		os.Exit(1)
	}
}

func runList(ctx context.Context, c *client) error {
	q := url.Values{}
	if *listAll {
		q.Set("all", "true")
	}
	if *listDomain != "" {
		q.Set("domain", *listDomain)
	}
	if *listOwnerClass != "" {
		q.Set("owner_class", *listOwnerClass)
	}
	if *listStatus != "" {
		q.Set("status", *listStatus)
	}
	q.Set("limit", strconv.Itoa(*listLimit))

	var list struct {
		Tasks []*backlog.Task `json:"tasks"`
	}
	if err := c.get(ctx, "/api/tasks?"+q.Encode(), &list); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATUS\tPRIORITY\tOWNER\tSUMMARY")
	for _, t := range list.Tasks {
		owner := "-"
		if t.Assignment != nil {
			owner = t.Assignment.OwnerID
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", t.Key, colorStatus(t.Status), t.Priority.Rank, owner, t.Summary)
	}
	return w.Flush()
}

func runShow(ctx context.Context, c *client) error {
	var t backlog.Task
	if err := c.get(ctx, "/api/tasks/"+*showKey, &t); err != nil {
		return err
	}
	return printTask(&t)
}

func runCreate(ctx context.Context, c *client) error {
	draft := dedup.Draft{
		Domain:              *createDomain,
		Summary:             *createSummary,
		Priority:            backlog.Priority{Rank: *createRank, Label: *createLabel},
		ResourcePaths:       *createPaths,
		PrimaryResourcePath: *createPrimary,
		EvidenceSnippet:     *createEvidence,
		SourceReference:     *createSource,
		Reopen:              *createReopen,
	}
	var result dedup.Result
	if err := c.post(ctx, "/api/tasks", &draft, &result); err != nil {
		return err
	}
	if result.Merged {
		fmt.Println(color.YellowString("merged into existing task %s", result.Task.Key))
	} else {
		fmt.Println(color.GreenString("created %s", result.Task.Key))
	}
	return printTask(result.Task)
}

func runClaim(ctx context.Context, c *client) error {
	req := claim.Request{
		OwnerID:         *claimOwner,
		OwnerClass:      *claimOwnerClass,
		Paths:           *claimPaths,
		LeaseSeconds:    int(claimLease.Seconds()),
		ExpectedVersion: *claimVersion,
		ObservedAt:      time.Now().UTC(),
	}
	var grant claim.Grant
	if err := c.post(ctx, "/api/tasks/"+*claimKey+"/claim", &req, &grant); err != nil {
		return err
	}
	fmt.Println(color.GreenString("claimed %s", grant.Task.Key))
	fmt.Printf("token: %s\n", grant.Task.Assignment.ClaimToken)
	fmt.Printf("lease expires: %s\n", grant.Task.Assignment.LeaseExpiresAt.Local().Format(time.RFC3339))
	for _, warning := range grant.Warnings {
		fmt.Println(color.YellowString("warning: partial overlap with %s (%s)", warning.TaskKey, warning.OwnerID))
	}
	return nil
}

func runRenew(ctx context.Context, c *client) error {
	body := map[string]any{
		"claim_token":       *renewToken,
		"extend_by_seconds": int(renewExtend.Seconds()),
	}
	var t backlog.Task
	if err := c.post(ctx, "/api/tasks/"+*renewKey+"/renew", body, &t); err != nil {
		return err
	}
	fmt.Println(color.GreenString("renewed %s, lease expires %s", t.Key, t.Assignment.LeaseExpiresAt.Local().Format(time.RFC3339)))
	return nil
}

func runRelease(ctx context.Context, c *client) error {
	body := map[string]any{"claim_token": *releaseToken}
	var t backlog.Task
	if err := c.post(ctx, "/api/tasks/"+*releaseKey+"/release", body, &t); err != nil {
		return err
	}
	fmt.Println(color.GreenString("released %s", t.Key))
	return nil
}

func runTransition(ctx context.Context, c *client) error {
	req := claim.TransitionRequest{
		ClaimToken:      *transitionToken,
		ExpectedVersion: *transitionVersion,
		NewStatus:       backlog.Status(*transitionStatus),
		Reason:          *transitionReason,
	}
	var t backlog.Task
	if err := c.post(ctx, "/api/tasks/"+*transitionKey+"/transition", &req, &t); err != nil {
		return err
	}
	fmt.Println(color.GreenString("%s -> %s", t.Key, t.Status))
	return nil
}

func runWiden(ctx context.Context, c *client) error {
	body := map[string]any{
		"claim_token": *widenToken,
		"extra_paths": *widenPaths,
	}
	var result scope.WidenResult
	if err := c.post(ctx, "/api/tasks/"+*widenKey+"/widen", body, &result); err != nil {
		return err
	}
	if !result.Accepted {
		fmt.Println(color.YellowString("refused: paths held by %v", result.CompetingKeys))
		return nil
	}
	fmt.Println(color.GreenString("widened %s", result.Task.Key))
	for _, p := range result.Task.ResourcePaths {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func runDelegate(ctx context.Context, c *client) error {
	req := scope.DelegateRequest{
		ClaimToken: *delegateToken,
		Areas: []dedup.Draft{{
			Domain:              *delegateDomain,
			Summary:             *delegateSummary,
			PrimaryResourcePath: *delegatePrimary,
		}},
	}
	var result scope.DelegateResult
	if err := c.post(ctx, "/api/tasks/"+*delegateKey+"/delegate", &req, &result); err != nil {
		return err
	}
	for _, spawned := range result.Spawned {
		if spawned.Merged {
			fmt.Println(color.YellowString("merged into existing task %s", spawned.Task.Key))
		} else {
			fmt.Println(color.GreenString("spawned %s", spawned.Task.Key))
		}
	}
	return nil
}

func runHandoff(ctx context.Context, c *client) error {
	body := map[string]any{
		"claim_token":           *handoffToken,
		"reason":                *handoffReason,
		"suggested_owner_class": *handoffSuggested,
	}
	var t backlog.Task
	if err := c.post(ctx, "/api/tasks/"+*handoffKey+"/handoff", body, &t); err != nil {
		return err
	}
	fmt.Println(color.GreenString("%s is pending handoff", t.Key))
	return nil
}

func runOverride(ctx context.Context, c *client) error {
	body := map[string]any{
		"actor":      *overrideActor,
		"reason":     *overrideReason,
		"new_status": *overrideStatus,
	}
	var t backlog.Task
	if err := c.post(ctx, "/api/tasks/"+*overrideKey+"/override", body, &t); err != nil {
		return err
	}
	fmt.Println(color.GreenString("overrode %s -> %s", t.Key, t.Status))
	return nil
}

func runWatch(ctx context.Context, c *client) error {
	q := url.Values{}
	if *watchType != "" {
		q.Set("type", *watchType)
	}
	if *watchKey != "" {
		q.Set("task_key", *watchKey)
	}
	err := c.stream(ctx, q, func(raw []byte) error {
		var ev eventbus.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		fmt.Printf("%s  %s  %s  %s\n",
			ev.CreatedAt.Local().Format("15:04:05"),
			color.CyanString("%-18s", string(ev.Type)),
			ev.TaskKey,
			ev.OwnerID,
		)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printTask(t *backlog.Task) error {
	fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(t.Key), colorStatus(t.Status))
	fmt.Printf("summary:  %s\n", t.Summary)
	fmt.Printf("domain:   %s\n", t.Domain)
	fmt.Printf("priority: %d", t.Priority.Rank)
	if t.Priority.Label != "" {
		fmt.Printf(" (%s)", t.Priority.Label)
	}
	fmt.Println()
	fmt.Printf("version:  %d\n", t.Version)
	for i, p := range t.ResourcePaths {
		if i == 0 {
			fmt.Printf("paths:    %s\n", p)
		} else {
			fmt.Printf("          %s\n", p)
		}
	}
	if t.Assignment != nil {
		fmt.Printf("owner:    %s (%s), lease expires %s\n",
			t.Assignment.OwnerID, t.Assignment.OwnerClass,
			t.Assignment.LeaseExpiresAt.Local().Format(time.RFC3339))
	}
	if t.SuggestedOwnerClass != "" {
		fmt.Printf("suggest:  %s\n", t.SuggestedOwnerClass)
	}
	if t.DelegatedBy != "" {
		fmt.Printf("from:     %s\n", t.DelegatedBy)
	}
	if len(t.HandoffHistory) > 0 {
		fmt.Println("history:")
		for _, e := range t.HandoffHistory {
			fmt.Printf("  %s  %-10s  %s -> %s", e.Timestamp.Local().Format(time.RFC3339), e.Action, orDash(e.From), orDash(e.To))
			if e.Reason != "" {
				fmt.Printf("  (%s)", e.Reason)
			}
			fmt.Println()
		}
	}
	return nil
}

func colorStatus(s backlog.Status) string {
	switch s {
	case backlog.StatusOpen, backlog.StatusTriaged:
		return color.GreenString(string(s))
	case backlog.StatusClaimed, backlog.StatusInProgress:
		return color.CyanString(string(s))
	case backlog.StatusBlocked, backlog.StatusHandoffPending:
		return color.YellowString(string(s))
	case backlog.StatusResolved, backlog.StatusClosed:
		return color.New(color.Faint).Sprint(string(s))
	default:
		return string(s)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
