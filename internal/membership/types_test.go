package membership

import "testing"

func TestEndpointStateMaxVersion(t *testing.T) {
	st := NewEndpointState(5, 10)
	st.Apps[StatusKey] = VersionedValue{Value: StatusNormal, Version: 3}
	st.Apps[LoadKey] = VersionedValue{Value: "0.5", Version: 42}

	if got := st.MaxVersion(); got != 42 {
		t.Fatalf("MaxVersion() = %d, want 42", got)
	}
}

func TestEndpointStateCloneIsIndependent(t *testing.T) {
	st := NewEndpointState(1, 1)
	st.Apps[StatusKey] = VersionedValue{Value: StatusNormal, Version: 1}

	clone := st.Clone()
	clone.Apps[StatusKey] = VersionedValue{Value: StatusLeft, Version: 2}

	if st.Apps[StatusKey].Value != StatusNormal {
		t.Fatalf("mutating clone leaked into original: %v", st.Apps[StatusKey])
	}
}

func TestIsDeadState(t *testing.T) {
	cases := map[string]bool{
		StatusLeft:          true,
		StatusRemovedToken:  true,
		StatusRemovingToken: true,
		StatusNormal:        false,
		"":                  false,
	}
	for status, want := range cases {
		if got := isDeadState(status); got != want {
			t.Errorf("isDeadState(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestApplicationStateKeyString(t *testing.T) {
	if StatusKey.String() != "STATUS" {
		t.Fatalf("StatusKey.String() = %q", StatusKey.String())
	}
	if got := ApplicationStateKey(999).String(); got != "UNKNOWN(999)" {
		t.Fatalf("unknown key String() = %q", got)
	}
}
