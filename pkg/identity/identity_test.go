package identity

import "testing"

func TestIdentity_EncodeDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		id   Identity
	}{
		{
			name: "stack identity",
			id:   Identity{Tenant: "acme", StackName: "web", StackID: "a1b2c3"},
		},
		{
			name: "resource identity",
			id:   Identity{Tenant: "acme", StackName: "web", StackID: "a1b2c3", ResourceName: "db"},
		},
		{
			name: "uuid stack id",
			id:   Identity{Tenant: "t-1", StackName: "edge_cache", StackID: "9b2f6c1e-70d5-4e7a-bb3f-25c3fbb10a11"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := Decode(tc.id.Encode())
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if decoded != tc.id {
				t.Errorf("Round trip mismatch: got %+v, want %+v", decoded, tc.id)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name    string
		address string
	}{
		{"empty", ""},
		{"too few segments", "acme/stacks/web"},
		{"too many segments", "acme/stacks/web/id/resources/db/extra"},
		{"five segments", "acme/stacks/web/id/resources"},
		{"wrong stack marker", "acme/heaps/web/id"},
		{"wrong resource marker", "acme/stacks/web/id/parts/db"},
		{"empty segment", "acme/stacks//id"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.address)
			if err == nil {
				t.Fatalf("Expected error for %q", tc.address)
			}
			if _, ok := AsMalformed(err); !ok {
				t.Errorf("Expected *MalformedIdentityError, got %T", err)
			}
		})
	}
}

func TestIdentity_Equal_StackIDAuthoritative(t *testing.T) {
	a := Identity{Tenant: "acme", StackName: "web", StackID: "same"}
	b := Identity{Tenant: "other", StackName: "renamed", StackID: "same"}
	if !a.Equal(b) {
		t.Errorf("Identities with matching stack ids must be equal")
	}

	c := Identity{Tenant: "acme", StackName: "web", StackID: "different"}
	if a.Equal(c) {
		t.Errorf("Identities with different stack ids must not be equal")
	}
}

func TestIdentity_Equal_ResourceName(t *testing.T) {
	a := Identity{Tenant: "acme", StackName: "web", StackID: "same", ResourceName: "db"}
	b := Identity{Tenant: "acme", StackName: "web", StackID: "same", ResourceName: "cache"}
	if a.Equal(b) {
		t.Errorf("Resource identities with different names must not be equal")
	}
	if !a.Equal(a) {
		t.Errorf("A resource identity must equal itself")
	}
}

func TestIdentity_Stack_StripsResource(t *testing.T) {
	res := Identity{Tenant: "acme", StackName: "web", StackID: "a1", ResourceName: "db"}
	owner := res.Stack()

	if owner.IsResource() {
		t.Errorf("Stack() must yield a stack identity")
	}
	want := Identity{Tenant: "acme", StackName: "web", StackID: "a1"}
	if owner != want {
		t.Errorf("Expected %+v, got %+v", want, owner)
	}
}

func TestNewStack_Validation(t *testing.T) {
	if _, err := NewStack("acme", "web", "a1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := NewStack("", "web", "a1"); err == nil {
		t.Errorf("Expected error for empty tenant")
	}
	if _, err := NewStack("acme", "we/b", "a1"); err == nil {
		t.Errorf("Expected error for separator in stack name")
	}
	if _, err := NewResource("acme", "web", "a1", "d/b"); err == nil {
		t.Errorf("Expected error for separator in resource name")
	}
}
