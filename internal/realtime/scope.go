package realtime

// ScopesFor derives the broadcast scope keys for a repository and optional
// branch: the repository-wide scope is the repo name itself, the branch scope
// is "repo:branch". branchScope is empty when no branch is given. Pure
// derivation; scopes exist only as membership sets inside the Router.
func ScopesFor(repo, branch string) (repoScope, branchScope string) {
	if branch == "" {
		return repo, ""
	}
	return repo, repo + ":" + branch
}
