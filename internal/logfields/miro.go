package logfields

import "go.uber.org/zap"

func CheckName(val string) zap.Field {
	return zap.String("github.check_name", val)
}

func CheckState(val string) zap.Field {
	return zap.String("github.check_state", val)
}

func MergePolicy(val string) zap.Field {
	return zap.String("miro.merge_policy", val)
}

func UpdateBranchStrategy(val string) zap.Field {
	return zap.String("miro.update_branch_strategy", val)
}

func Command(val string) zap.Field {
	return zap.String("miro.command", val)
}
