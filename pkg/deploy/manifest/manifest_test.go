package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifest = `
PackageConfiguration:
  S3Bucket: deployer-state
  S3Region: eu-west-1
  S3Prefix: prod/
  ConcurrentWorkers: 4

DefaultModuleConfiguration:
  All:
    Retry:
      MaxAttempts: 2
      DelayBeforeRetrying: 30
  terraform:
    TerraformExecutable: /usr/local/bin/terraform

DefaultVariables:
  All:
    environment: prod

Modules:
  vpc:
    Configuration:
      AssumeRole: arn:aws:iam::${CURRENT_ACCOUNT_ID}:role/deploy
    Variables:
      cidr: 10.0.0.0/16
    Deployments:
      - Include:
          OUTags:
            - stage=prod
          Regions:
            - eu-west-1
            - us-east-1
        Exclude:
          AccountIds:
            - "333333333333"
  dns:
    Deployments:
      - Include:
          Regions:
            - ALL_ENABLED
        VariablesFromOutputs:
          vpc_id:
            Module: vpc
            AccountId: ${CURRENT_ACCOUNT_ID}
            Region: ${CURRENT_REGION}
            OutputName: vpc_id
        Dependencies:
          - Module: vpc
            AccountId: ${CURRENT_ACCOUNT_ID}
            Region: ${CURRENT_REGION}
`

func TestParseValidManifest(t *testing.T) {
	m, err := Parse([]byte(validManifest))
	require.NoError(t, err)

	assert.Equal(t, "deployer-state", m.PackageConfiguration.S3Bucket)
	assert.Equal(t, 4, m.Workers())
	assert.Equal(t, "prod/state.json", m.ObjectKey("state.json"))

	require.Contains(t, m.Modules, "vpc")
	require.Contains(t, m.Modules, "dns")

	vpc := m.Modules["vpc"]
	assert.Equal(t, "10.0.0.0/16", vpc.Variables["cidr"])
	require.Len(t, vpc.Deployments, 1)
	assert.Equal(t, []string{"stage=prod"}, vpc.Deployments[0].Include.OUTags)
	assert.Equal(t, []string{"333333333333"}, vpc.Deployments[0].Exclude.AccountIDs)

	dns := m.Modules["dns"]
	ref := dns.Deployments[0].VariablesFromOutputs["vpc_id"]
	assert.Equal(t, "vpc", ref.Module)
	assert.Equal(t, "vpc_id", ref.OutputName)

	retry := m.DefaultModuleConfiguration["All"]["Retry"].(map[string]interface{})
	assert.Equal(t, 2, retry["MaxAttempts"])
}

func TestParseRejectsMissingBucket(t *testing.T) {
	_, err := Parse([]byte(`
PackageConfiguration:
  S3Region: eu-west-1
Modules:
  vpc:
    Deployments: []
`))
	var invalid *ErrInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, err.Error(), "S3Bucket")
}

func TestParseRejectsNoModules(t *testing.T) {
	_, err := Parse([]byte(`
PackageConfiguration:
  S3Bucket: b
  S3Region: r
`))
	var invalid *ErrInvalid
	require.ErrorAs(t, err, &invalid)
}

func TestParseRejectsIncompleteOutputReference(t *testing.T) {
	_, err := Parse([]byte(`
PackageConfiguration:
  S3Bucket: b
  S3Region: r
Modules:
  dns:
    Deployments:
      - VariablesFromOutputs:
          vpc_id:
            Module: vpc
            OutputName: vpc_id
`))
	var invalid *ErrInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, err.Error(), "VariablesFromOutputs")
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("Modules: ["))
	var invalid *ErrInvalid
	require.ErrorAs(t, err, &invalid)
}

func TestWorkersDefault(t *testing.T) {
	m := &Manifest{}
	assert.Equal(t, DefaultConcurrentWorkers, m.Workers())
}

func TestModuleBlockWithEmptyDeployments(t *testing.T) {
	m, err := Parse([]byte(`
PackageConfiguration:
  S3Bucket: b
  S3Region: r
Modules:
  retired:
    Deployments: []
`))
	require.NoError(t, err)
	assert.Empty(t, m.Modules["retired"].Deployments)
}
