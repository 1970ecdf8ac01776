package engine

import "testing"

func TestClassifyWarmth(t *testing.T) {
	tests := []struct {
		msg  string
		want WarmthLevel
	}{
		{"Would you consider trying this?", WarmthWOULD},
		{"Might you ever move abroad?", WarmthMIGHT},
		{"what if you had stayed?", WarmthMIGHT},
		{"Will you go back next year?", WarmthWILL},
		{"Are you going to apply?", WarmthWILL},
		{"Can you cook?", WarmthCAN},
		{"Could you explain that?", WarmthCAN},
		{"Did you enjoy it?", WarmthDID},
		{"Have you ever been to Japan?", WarmthDID},
		{"Is it far?", WarmthIS},
		{"Are they nice?", WarmthIS},
		{"What is your job?", WarmthIS},
		{"How do you like it?", WarmthIS},
		{"What would you do if you lost your job?", WarmthWOULD},
		{"How might that have changed things?", WarmthMIGHT},
		{"What will you do next year?", WarmthWILL},
		{"Do you think you could ever forgive him?", WarmthCAN},
		{"Where did you grow up?", WarmthDID},
		{"So, would you do it again?", WarmthWOULD},
		{"Tell me more about that", WarmthDID},
		{"I remember my first day too", WarmthDID},
		{"I can relate to that", WarmthCAN},
		{"Imagine living there", WarmthWOULD},
		{"If I were you I'd quit", WarmthWOULD},
		{"ok", WarmthIS},
		{"", WarmthIS},
	}
	for _, tt := range tests {
		if got := ClassifyWarmth(tt.msg); got != tt.want {
			t.Errorf("ClassifyWarmth(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestTargetLevel(t *testing.T) {
	for n := MinWarmth; n <= MaxWarmth; n++ {
		want := min(n+1, MaxWarmth)
		if got := TargetLevel(n); got != want {
			t.Errorf("TargetLevel(%d) = %d, want %d", n, got, want)
		}
	}
	if TargetLevel(WarmthMIGHT) != WarmthMIGHT {
		t.Error("MIGHT must be terminal")
	}
}

func TestApplyWarmthMaxMonotonic(t *testing.T) {
	s := NewConversationState("c1", "b1", 1)
	prevMax := s.MaxWarmthAchieved
	for _, l := range []WarmthLevel{3, 1, 5, 2, 6, 1, 4} {
		s.ApplyWarmth(l)
		if s.CurrentWarmthLevel != l {
			t.Errorf("current = %d, want %d", s.CurrentWarmthLevel, l)
		}
		if s.MaxWarmthAchieved < prevMax {
			t.Fatalf("max decreased from %d to %d", prevMax, s.MaxWarmthAchieved)
		}
		if s.MaxWarmthAchieved < s.CurrentWarmthLevel {
			t.Fatalf("max %d below current %d", s.MaxWarmthAchieved, s.CurrentWarmthLevel)
		}
		prevMax = s.MaxWarmthAchieved
	}
	if s.MaxWarmthAchieved != WarmthMIGHT {
		t.Errorf("max = %d, want 6", s.MaxWarmthAchieved)
	}
}

func TestApplyWarmthClamps(t *testing.T) {
	s := NewConversationState("c1", "b1", 1)
	s.ApplyWarmth(9)
	if s.CurrentWarmthLevel != WarmthMIGHT {
		t.Errorf("current = %d, want 6", s.CurrentWarmthLevel)
	}
	s.ApplyWarmth(0)
	if s.CurrentWarmthLevel != WarmthIS || s.MaxWarmthAchieved != WarmthMIGHT {
		t.Errorf("got current=%d max=%d", s.CurrentWarmthLevel, s.MaxWarmthAchieved)
	}
}

func TestNormalize(t *testing.T) {
	s := &ConversationState{CurrentWarmthLevel: 5, MaxWarmthAchieved: 2}
	s.Normalize()
	if s.MaxWarmthAchieved != 5 {
		t.Errorf("max = %d, want 5", s.MaxWarmthAchieved)
	}
	s = &ConversationState{}
	s.Normalize()
	if s.CurrentWarmthLevel != WarmthIS || s.MaxWarmthAchieved != WarmthIS {
		t.Errorf("zero state normalized to %d/%d", s.CurrentWarmthLevel, s.MaxWarmthAchieved)
	}
}

func TestCTAEligible(t *testing.T) {
	yes := []int{5, 8, 13, 21, 34, 55, 89, 144}
	no := []int{0, 1, 2, 3, 4, 6, 7, 9, 20, 22, 54, 56}
	for _, n := range yes {
		if !CTAEligible(n) {
			t.Errorf("CTAEligible(%d) = false", n)
		}
	}
	for _, n := range no {
		if CTAEligible(n) {
			t.Errorf("CTAEligible(%d) = true", n)
		}
	}
}

func TestCTAFallback(t *testing.T) {
	if CTAFallback(WarmthWOULD) {
		t.Error("fallback should need MIGHT")
	}
	if !CTAFallback(WarmthMIGHT) {
		t.Error("fallback should trigger at MIGHT")
	}
}

func TestWarmthNames(t *testing.T) {
	if WarmthWOULD.String() != "WOULD" || WarmthWOULD.QuestionType() != "Hypothetical" {
		t.Errorf("WOULD = %s / %s", WarmthWOULD, WarmthWOULD.QuestionType())
	}
	if WarmthLevel(0).String() != "UNKNOWN" {
		t.Error("out of range level should be UNKNOWN")
	}
}

func TestWarmthScenario(t *testing.T) {
	s := NewConversationState("c1", "b1", 1)
	if s.CurrentWarmthLevel != WarmthIS {
		t.Fatalf("new conversation at %v", s.CurrentWarmthLevel)
	}
	s.ApplyWarmth(ClassifyWarmth("Would you consider trying this?"))
	if s.CurrentWarmthLevel != WarmthWOULD || s.MaxWarmthAchieved != WarmthWOULD {
		t.Errorf("after message: current=%v max=%v", s.CurrentWarmthLevel, s.MaxWarmthAchieved)
	}
	if got := TargetLevel(s.CurrentWarmthLevel); got != WarmthMIGHT {
		t.Errorf("target = %v, want MIGHT", got)
	}
}
