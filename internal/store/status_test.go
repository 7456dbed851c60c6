package store

import "testing"

func TestStatusAllowed(t *testing.T) {
	tests := []struct {
		name    string
		from    MeetingStatus
		to      MeetingStatus
		rebuild bool
		want    bool
	}{
		{"created to ingesting", StatusCreated, StatusIngesting, false, true},
		{"ingesting to processing", StatusIngesting, StatusProcessing, false, true},
		{"processing to done", StatusProcessing, StatusDone, false, true},
		{"processing to failed", StatusProcessing, StatusFailed, false, true},
		{"created to done", StatusCreated, StatusDone, false, true},
		{"same status", StatusProcessing, StatusProcessing, false, true},

		{"processing to ingesting", StatusProcessing, StatusIngesting, false, false},
		{"done to processing", StatusDone, StatusProcessing, false, false},
		{"done to failed", StatusDone, StatusFailed, false, false},
		{"failed to processing without rebuild", StatusFailed, StatusProcessing, false, false},
		{"failed to done", StatusFailed, StatusDone, false, false},
		{"ingesting to created", StatusIngesting, StatusCreated, false, false},

		{"failed to processing via rebuild", StatusFailed, StatusProcessing, true, true},
		{"done to processing via rebuild", StatusDone, StatusProcessing, true, true},
		{"rebuild cannot jump to done", StatusFailed, StatusDone, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusAllowed(tt.from, tt.to, tt.rebuild); got != tt.want {
				t.Errorf("statusAllowed(%s, %s, rebuild=%v) = %v, want %v",
					tt.from, tt.to, tt.rebuild, got, tt.want)
			}
		})
	}
}

func TestArtifactKind_IsValid(t *testing.T) {
	for _, k := range ArtifactKinds {
		if !k.IsValid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if ArtifactKind("summary").IsValid() {
		t.Error("unknown kind should be invalid")
	}
}
