package blob

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/gurre/datomvault/errs"
)

// IAMClient is the slice of the IAM API used for permission simulation.
type IAMClient interface {
	SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error)
}

var _ IAMClient = (*iam.Client)(nil)

// Preflight simulates the named S3 actions for principalArn against the
// bucket and fails fast if any would be denied. Running this before a
// backup or sweep turns a mid-operation AccessDenied into an upfront error.
// Example:
//
//	err := blob.Preflight(ctx, iamClient, roleArn, "my-backups",
//	    "s3:GetObject", "s3:PutObject", "s3:DeleteObject")
func Preflight(ctx context.Context, client IAMClient, principalArn, bucket string, actions ...string) error {
	if len(actions) == 0 {
		return nil
	}
	resource := fmt.Sprintf("arn:aws:s3:::%s/*", bucket)
	out, err := client.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: &principalArn,
		ActionNames:     actions,
		ResourceArns:    []string{resource},
	})
	if err != nil {
		return fmt.Errorf("failed to simulate policy: %w", err)
	}
	for _, result := range out.EvaluationResults {
		if result.EvalDecision != types.PolicyEvaluationDecisionTypeAllowed {
			action := ""
			if result.EvalActionName != nil {
				action = *result.EvalActionName
			}
			return errs.Newf(errs.Fatal, "preflight", "%s denied on %s", action, resource)
		}
	}
	return nil
}
