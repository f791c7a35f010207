package checks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// EC2API is the slice of the EC2 client the probers need.
type EC2API interface {
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeInternetGateways(ctx context.Context, params *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error)
	DescribeNatGateways(ctx context.Context, params *ec2.DescribeNatGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error)
	DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
}

// S3API is the slice of the S3 client the probers need.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	GetBucketLifecycleConfiguration(ctx context.Context, params *s3.GetBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLifecycleConfigurationOutput, error)
	GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
	GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	GetBucketCors(ctx context.Context, params *s3.GetBucketCorsInput, optFns ...func(*s3.Options)) (*s3.GetBucketCorsOutput, error)
}

// IAMAPI is the slice of the IAM client the probers need.
type IAMAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	GetPolicy(ctx context.Context, params *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error)
	GetInstanceProfile(ctx context.Context, params *iam.GetInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error)
}

func (c *Checker) probe(ctx context.Context, resource string, tgt target) (observation, error) {
	switch resource {
	case "aws_vpc":
		return c.probeVPC(ctx, tgt)
	case "aws_subnet":
		return c.probeSubnet(ctx, tgt)
	case "aws_instance":
		return c.probeInstance(ctx, tgt)
	case "aws_security_group":
		return c.probeSecurityGroup(ctx, tgt)
	case "aws_internet_gateway":
		return c.probeInternetGateway(ctx, tgt)
	case "aws_nat_gateway":
		return c.probeNatGateway(ctx, tgt)
	case "aws_route_table":
		return c.probeRouteTable(ctx, tgt)
	case "aws_s3_bucket":
		return c.probeBucket(ctx, tgt)
	case "aws_iam_role":
		return c.probeRole(ctx, tgt)
	case "aws_iam_policy":
		return c.probePolicy(ctx, tgt)
	case "aws_iam_instance_profile":
		return c.probeInstanceProfile(ctx, tgt)
	default:
		return observation{}, fmt.Errorf("unsupported resource type %q", resource)
	}
}

func tagFilter(value string) ec2types.Filter {
	return ec2types.Filter{
		Name:   aws.String("tag:" + TagKey),
		Values: []string{value},
	}
}

// notFound classifies emulator API errors that mean the resource does not
// exist, as opposed to transport or permission failures.
func notFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return strings.Contains(code, "NotFound") ||
		strings.Contains(code, "NoSuch") ||
		strings.Contains(code, "NoSuchEntity") ||
		code == "404"
}

func (c *Checker) probeVPC(ctx context.Context, tgt target) (observation, error) {
	input := &ec2.DescribeVpcsInput{}
	if tgt.id != "" {
		input.VpcIds = []string{tgt.id}
	} else {
		input.Filters = []ec2types.Filter{tagFilter(tgt.tag)}
	}

	out, err := c.EC2.DescribeVpcs(ctx, input)
	if err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}
	if len(out.Vpcs) == 0 {
		return observation{}, nil
	}

	vpc := out.Vpcs[0]
	return observation{
		found: true,
		count: len(out.Vpcs),
		attrs: map[string]string{
			"cidr_block": aws.ToString(vpc.CidrBlock),
			"state":      string(vpc.State),
		},
	}, nil
}

func (c *Checker) probeSubnet(ctx context.Context, tgt target) (observation, error) {
	input := &ec2.DescribeSubnetsInput{}
	if tgt.id != "" {
		input.SubnetIds = []string{tgt.id}
	} else {
		input.Filters = []ec2types.Filter{tagFilter(tgt.tag)}
	}

	out, err := c.EC2.DescribeSubnets(ctx, input)
	if err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}
	if len(out.Subnets) == 0 {
		return observation{}, nil
	}

	subnet := out.Subnets[0]
	return observation{
		found: true,
		count: len(out.Subnets),
		attrs: map[string]string{
			"vpc_id":     aws.ToString(subnet.VpcId),
			"cidr_block": aws.ToString(subnet.CidrBlock),
		},
	}, nil
}

func (c *Checker) probeInstance(ctx context.Context, tgt target) (observation, error) {
	input := &ec2.DescribeInstancesInput{}
	if tgt.id != "" {
		input.InstanceIds = []string{tgt.id}
	} else {
		input.Filters = []ec2types.Filter{tagFilter(tgt.tag)}
	}

	out, err := c.EC2.DescribeInstances(ctx, input)
	if err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}

	var instances []ec2types.Instance
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if inst.State != nil && inst.State.Name == ec2types.InstanceStateNameTerminated {
				continue
			}
			instances = append(instances, inst)
		}
	}
	if len(instances) == 0 {
		return observation{}, nil
	}

	inst := instances[0]
	profileAttached := "false"
	if inst.IamInstanceProfile != nil {
		profileAttached = "true"
	}
	state := ""
	if inst.State != nil {
		state = string(inst.State.Name)
	}
	return observation{
		found: true,
		count: len(instances),
		attrs: map[string]string{
			"subnet_id":                 aws.ToString(inst.SubnetId),
			"state":                     state,
			"instance_profile_attached": profileAttached,
		},
	}, nil
}

func (c *Checker) probeSecurityGroup(ctx context.Context, tgt target) (observation, error) {
	input := &ec2.DescribeSecurityGroupsInput{}
	if tgt.id != "" {
		input.GroupIds = []string{tgt.id}
	} else {
		input.Filters = []ec2types.Filter{tagFilter(tgt.tag)}
	}

	out, err := c.EC2.DescribeSecurityGroups(ctx, input)
	if err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}
	if len(out.SecurityGroups) == 0 {
		return observation{}, nil
	}

	sg := out.SecurityGroups[0]
	return observation{
		found: true,
		count: len(out.SecurityGroups),
		attrs: map[string]string{
			"vpc_id":             aws.ToString(sg.VpcId),
			"ingress_rule_count": strconv.Itoa(len(sg.IpPermissions)),
			"egress_rule_count":  strconv.Itoa(len(sg.IpPermissionsEgress)),
		},
	}, nil
}

func (c *Checker) probeInternetGateway(ctx context.Context, tgt target) (observation, error) {
	input := &ec2.DescribeInternetGatewaysInput{}
	if tgt.id != "" {
		input.InternetGatewayIds = []string{tgt.id}
	} else {
		input.Filters = []ec2types.Filter{tagFilter(tgt.tag)}
	}

	out, err := c.EC2.DescribeInternetGateways(ctx, input)
	if err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}
	if len(out.InternetGateways) == 0 {
		return observation{}, nil
	}

	igw := out.InternetGateways[0]
	attachedVPC := ""
	for _, att := range igw.Attachments {
		if att.VpcId != nil {
			attachedVPC = aws.ToString(att.VpcId)
			break
		}
	}
	return observation{
		found: true,
		count: len(out.InternetGateways),
		attrs: map[string]string{"attached_vpc": attachedVPC},
	}, nil
}

func (c *Checker) probeNatGateway(ctx context.Context, tgt target) (observation, error) {
	input := &ec2.DescribeNatGatewaysInput{}
	if tgt.id != "" {
		input.NatGatewayIds = []string{tgt.id}
	} else {
		input.Filter = []ec2types.Filter{tagFilter(tgt.tag)}
	}

	out, err := c.EC2.DescribeNatGateways(ctx, input)
	if err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}

	var active []ec2types.NatGateway
	for _, nat := range out.NatGateways {
		if nat.State == ec2types.NatGatewayStateDeleted || nat.State == ec2types.NatGatewayStateDeleting {
			continue
		}
		active = append(active, nat)
	}
	if len(active) == 0 {
		return observation{}, nil
	}

	nat := active[0]
	return observation{
		found: true,
		count: len(active),
		attrs: map[string]string{"subnet_id": aws.ToString(nat.SubnetId)},
	}, nil
}

func (c *Checker) probeRouteTable(ctx context.Context, tgt target) (observation, error) {
	input := &ec2.DescribeRouteTablesInput{}
	if tgt.id != "" {
		input.RouteTableIds = []string{tgt.id}
	} else {
		input.Filters = []ec2types.Filter{tagFilter(tgt.tag)}
	}

	out, err := c.EC2.DescribeRouteTables(ctx, input)
	if err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}
	if len(out.RouteTables) == 0 {
		return observation{}, nil
	}

	rt := out.RouteTables[0]

	defaultTarget := ""
	for _, route := range rt.Routes {
		if aws.ToString(route.DestinationCidrBlock) != "0.0.0.0/0" {
			continue
		}
		switch {
		case route.GatewayId != nil && aws.ToString(route.GatewayId) != "local":
			defaultTarget = aws.ToString(route.GatewayId)
		case route.NatGatewayId != nil:
			defaultTarget = aws.ToString(route.NatGatewayId)
		}
		break
	}

	var subnets []string
	associations := 0
	for _, assoc := range rt.Associations {
		associations++
		if assoc.SubnetId != nil {
			subnets = append(subnets, aws.ToString(assoc.SubnetId))
		}
	}
	sort.Strings(subnets)

	return observation{
		found: true,
		count: len(out.RouteTables),
		attrs: map[string]string{
			"default_route_target": defaultTarget,
			"association_count":    strconv.Itoa(associations),
			"associated_subnet":    strings.Join(subnets, ","),
		},
	}, nil
}

func (c *Checker) probeBucket(ctx context.Context, tgt target) (observation, error) {
	if tgt.id == "" {
		return observation{}, errors.New("aws_s3_bucket checks require an output lookup with the bucket name")
	}
	bucket := tgt.id

	if _, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}

	attrs := map[string]string{}

	versioning, err := c.S3.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(bucket)})
	if err != nil {
		return observation{}, err
	}
	status := string(versioning.Status)
	if status == "" {
		status = "Disabled"
	}
	attrs["versioning_status"] = status

	lifecycle, err := c.S3.GetBucketLifecycleConfiguration(ctx, &s3.GetBucketLifecycleConfigurationInput{Bucket: aws.String(bucket)})
	switch {
	case err == nil:
		attrs["lifecycle_rule_count"] = strconv.Itoa(len(lifecycle.Rules))
	case notFound(err):
		attrs["lifecycle_rule_count"] = "0"
	default:
		return observation{}, err
	}

	pab, err := c.S3.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(bucket)})
	switch {
	case err == nil && pab.PublicAccessBlockConfiguration != nil:
		cfg := pab.PublicAccessBlockConfiguration
		if aws.ToBool(cfg.BlockPublicAcls) && aws.ToBool(cfg.BlockPublicPolicy) &&
			aws.ToBool(cfg.IgnorePublicAcls) && aws.ToBool(cfg.RestrictPublicBuckets) {
			attrs["public_access_block"] = "enabled"
		} else {
			attrs["public_access_block"] = "partial"
		}
	case err == nil:
		attrs["public_access_block"] = "disabled"
	case notFound(err):
		attrs["public_access_block"] = "disabled"
	default:
		return observation{}, err
	}

	_, err = c.S3.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucket)})
	switch {
	case err == nil:
		attrs["bucket_policy"] = "present"
	case notFound(err):
		attrs["bucket_policy"] = "absent"
	default:
		return observation{}, err
	}

	cors, err := c.S3.GetBucketCors(ctx, &s3.GetBucketCorsInput{Bucket: aws.String(bucket)})
	switch {
	case err == nil:
		attrs["cors_rule_count"] = strconv.Itoa(len(cors.CORSRules))
	case notFound(err):
		attrs["cors_rule_count"] = "0"
	default:
		return observation{}, err
	}

	return observation{found: true, count: 1, attrs: attrs}, nil
}

func (c *Checker) probeRole(ctx context.Context, tgt target) (observation, error) {
	if tgt.id == "" {
		return observation{}, errors.New("aws_iam_role checks require an output lookup with the role name")
	}

	role, err := c.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(tgt.id)})
	if err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}

	attrs := map[string]string{
		"trust_policy_service": trustPolicyService(aws.ToString(role.Role.AssumeRolePolicyDocument)),
	}

	attached, err := c.IAM.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(tgt.id)})
	if err != nil {
		return observation{}, err
	}
	attrs["attached_policy_count"] = strconv.Itoa(len(attached.AttachedPolicies))

	return observation{found: true, count: 1, attrs: attrs}, nil
}

func (c *Checker) probePolicy(ctx context.Context, tgt target) (observation, error) {
	if tgt.id == "" {
		return observation{}, errors.New("aws_iam_policy checks require an output lookup with the policy ARN")
	}

	if _, err := c.IAM.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(tgt.id)}); err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}
	return observation{found: true, count: 1, attrs: map[string]string{}}, nil
}

func (c *Checker) probeInstanceProfile(ctx context.Context, tgt target) (observation, error) {
	if tgt.id == "" {
		return observation{}, errors.New("aws_iam_instance_profile checks require an output lookup with the profile name")
	}

	if _, err := c.IAM.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(tgt.id)}); err != nil {
		if notFound(err) {
			return observation{}, nil
		}
		return observation{}, err
	}
	return observation{found: true, count: 1, attrs: map[string]string{}}, nil
}

// trustPolicyService extracts the first service principal from an IAM trust
// policy document. IAM returns the document URL-encoded.
func trustPolicyService(document string) string {
	if document == "" {
		return ""
	}
	if decoded, err := url.QueryUnescape(document); err == nil {
		document = decoded
	}

	var policy struct {
		Statement []struct {
			Principal struct {
				Service any `json:"Service"`
			} `json:"Principal"`
		} `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(document), &policy); err != nil {
		return ""
	}

	for _, stmt := range policy.Statement {
		switch svc := stmt.Principal.Service.(type) {
		case string:
			return svc
		case []any:
			if len(svc) > 0 {
				if s, ok := svc[0].(string); ok {
					return s
				}
			}
		}
	}
	return ""
}
