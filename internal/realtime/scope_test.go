package realtime

import "testing"

func TestScopesFor(t *testing.T) {
	cases := []struct {
		name       string
		repo       string
		branch     string
		wantRepo   string
		wantBranch string
	}{
		{name: "repo only", repo: "acme/app", branch: "", wantRepo: "acme/app", wantBranch: ""},
		{name: "with branch", repo: "acme/app", branch: "main", wantRepo: "acme/app", wantBranch: "acme/app:main"},
		{name: "branch with slash", repo: "acme/app", branch: "feature/login", wantRepo: "acme/app", wantBranch: "acme/app:feature/login"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repoScope, branchScope := ScopesFor(tc.repo, tc.branch)
			if repoScope != tc.wantRepo || branchScope != tc.wantBranch {
				t.Fatalf("ScopesFor(%q, %q) = (%q, %q), want (%q, %q)",
					tc.repo, tc.branch, repoScope, branchScope, tc.wantRepo, tc.wantBranch)
			}
		})
	}
}
