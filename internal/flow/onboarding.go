package flow

import (
	"strings"

	"onboardgate/internal/snapshot"
)

// Step ids of the shipped onboarding flow.
const (
	StepAccount          StepID = "account"
	StepOrgChoice        StepID = "orgChoice"
	StepOrgCreateMinimal StepID = "orgCreateMinimal"
	StepOrgJoin          StepID = "orgJoin"
	StepI9AndDocs        StepID = "i9AndDocs"
)

// Onboarding returns the shipped onboarding flow.
func Onboarding() Definition {
	return Definition{
		{
			ID:    StepAccount,
			Title: "Create your account",
			Actor: ActorAny,
			Requirements: []Requirement{
				{Key: "user.emailOrPhone", Type: TypeString, Required: true, Validator: NonEmptyString},
				{Key: "user.authMethod", Type: TypeString, Required: true, Validator: OneOf("password", "google", "phone", "magicLink")},
				{Key: "user.verified", Type: TypeBoolean, Required: true, Validator: IsTrue},
			},
			Next: To(StepOrgChoice),
		},
		{
			ID:    StepOrgChoice,
			Title: "Create or join an organization",
			Actor: ActorAny,
			Requirements: []Requirement{
				{Key: "membership.choice", Type: TypeString, Required: true, Validator: OneOf("create", "join")},
			},
			Next: Branch(membershipBranch),
		},
		{
			ID:    StepOrgCreateMinimal,
			Title: "Set up your organization",
			Actor: ActorOwner,
			Requirements: []Requirement{
				{Key: "org.name", Type: TypeString, Required: true, Validator: NonEmptyString},
				{Key: "org.joinCode", Type: TypeString, Required: true, Validator: NonEmptyString},
				{Key: "membership.orgId", Type: TypeString, Required: true, Validator: NonEmptyString},
				{Key: "membership.role", Type: TypeString, Required: true, Validator: OneOf("owner")},
			},
			Next: To(StepI9AndDocs),
		},
		{
			ID:    StepOrgJoin,
			Title: "Join your organization",
			Actor: ActorStaff,
			Requirements: []Requirement{
				{Key: "orgJoin.mode", Type: TypeString, Required: true, Validator: OneOf("inviteCode", "link", "email")},
				{Key: "orgJoin.token", Type: TypeString, Required: true, Validator: NonEmptyString},
				{Key: "membership.orgId", Type: TypeString, Required: true, Validator: NonEmptyString},
				{Key: "membership.role", Type: TypeString, Required: true, Validator: OneOf("owner", "manager", "staff")},
			},
			Next: To(StepI9AndDocs),
		},
		{
			ID:    StepI9AndDocs,
			Title: "Verify your identity (I-9)",
			Actor: ActorStaff,
			Requirements: []Requirement{
				{Key: "i9.section1.completed", Type: TypeBoolean, Required: true, Validator: IsTrue},
				{Key: "i9.section2.completed", Type: TypeBoolean, Required: true, Validator: IsTrue},
				{Key: "i9.docsUploaded", Type: TypeArray, Required: true, Validator: NonEmptyArray},
				{Key: "i9.status", Type: TypeString, Required: true, Validator: OneOf("verified")},
			},
			Next: To(Done),
		},
	}
}

func membershipBranch(snap snapshot.Value) StepID {
	v, _ := snapshot.Lookup(snap, "membership.choice")
	choice, _ := v.(snapshot.String)
	switch choice {
	case "create":
		return StepOrgCreateMinimal
	case "join":
		return StepOrgJoin
	}
	return ""
}

// IsTrue accepts only boolean true.
func IsTrue(v snapshot.Value) bool {
	b, ok := v.(snapshot.Bool)
	return ok && bool(b)
}

// NonEmptyString accepts strings with non-whitespace content.
func NonEmptyString(v snapshot.Value) bool {
	s, ok := v.(snapshot.String)
	return ok && strings.TrimSpace(string(s)) != ""
}

// NonEmptyArray accepts arrays with at least one element.
func NonEmptyArray(v snapshot.Value) bool {
	a, ok := v.(snapshot.Array)
	return ok && len(a) > 0
}

// OneOf accepts strings equal to one of allowed.
func OneOf(allowed ...string) Validator {
	return func(v snapshot.Value) bool {
		s, ok := v.(snapshot.String)
		if !ok {
			return false
		}
		for _, a := range allowed {
			if string(s) == a {
				return true
			}
		}
		return false
	}
}
