package logfields

import "go.uber.org/zap"

func PullRequest(val int64) zap.Field {
	return zap.Int64("github.pull_request", val)
}

func Issue(val int64) zap.Field {
	return zap.Int64("github.issue", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("github.repository_owner", val)
}

func UpstreamOwner(val string) zap.Field {
	return zap.String("github.upstream_owner", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func UpstreamBranch(val string) zap.Field {
	return zap.String("git.upstream_branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func CheckName(val string) zap.Field {
	return zap.String("github.check_name", val)
}
