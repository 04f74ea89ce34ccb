// Package ec2 implements the cloud collaborator for the ec2 platform on
// top of aws-sdk-go-v2. The layer is deliberately thin: launch, describe,
// terminate and image bookkeeping only. Remote command execution happens
// over SSH through the instance's public address.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alexandremahdhaoui/seedtest/internal/util/ssh"
	"github.com/alexandremahdhaoui/seedtest/pkg/cloud"
	"github.com/alexandremahdhaoui/seedtest/pkg/cloudinit"
	"github.com/alexandremahdhaoui/seedtest/pkg/platform"
)

const (
	defaultInstanceType = "t3.micro"
	defaultSSHUser      = "ubuntu"
	defaultPrefix       = "seedtest"

	// BootTimeout bounds waiting for the instance to reach running state
	// and accept SSH connections.
	BootTimeout = 5 * time.Minute
)

var errMissingSSHKey = errors.New("ec2 cloud requires an SSH key path for remote execution")

// api is the subset of the EC2 client the cloud consumes. It matches the
// SDK's waiter client interfaces so fakes work with real waiters.
type api interface {
	RunInstances(ctx context.Context, in *awsec2.RunInstancesInput, opts ...func(*awsec2.Options)) (*awsec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *awsec2.DescribeInstancesInput, opts ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *awsec2.TerminateInstancesInput, opts ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error)
	CreateImage(ctx context.Context, in *awsec2.CreateImageInput, opts ...func(*awsec2.Options)) (*awsec2.CreateImageOutput, error)
	DeregisterImage(ctx context.Context, in *awsec2.DeregisterImageInput, opts ...func(*awsec2.Options)) (*awsec2.DeregisterImageOutput, error)
}

// Cloud launches EC2 instances for a test run.
type Cloud struct {
	client       api
	region       string
	image        string
	instanceType string
	namePrefix   string
	sshUser      string
	sshKeyPath   string
	log          logr.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	snapshot  string // AMI id created during bootstrap, "" if none
}

// New builds the ec2 cloud from the run options and the ambient AWS
// credential chain.
func New(ctx context.Context, opts cloud.Options) (cloud.Cloud, error) {
	if opts.SSHKeyPath == "" {
		return nil, errMissingSSHKey
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	c := &Cloud{
		client:       awsec2.NewFromConfig(awsCfg),
		region:       awsCfg.Region,
		image:        opts.Image,
		instanceType: opts.InstanceType,
		namePrefix:   opts.NamePrefix,
		sshUser:      opts.SSHUser,
		sshKeyPath:   opts.SSHKeyPath,
		log:          opts.Log.WithName("ec2"),
		instances:    map[string]*Instance{},
	}
	if c.instanceType == "" {
		c.instanceType = defaultInstanceType
	}
	if c.sshUser == "" {
		c.sshUser = defaultSSHUser
	}
	if c.namePrefix == "" {
		c.namePrefix = defaultPrefix
	}
	return c, nil
}

func (c *Cloud) Platform() platform.Identity { return platform.EC2 }

// Launch starts one instance, waits for running state and SSH
// availability, and returns its handle.
func (c *Cloud) Launch(ctx context.Context, opts cloud.LaunchOptions) (cloud.Instance, error) {
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%.8s", c.namePrefix, uuid.NewString())
	}

	seed, err := c.seedData(opts.SeedData)
	if err != nil {
		return nil, errors.Join(cloud.ErrProvisionFailed, err)
	}

	out, err := c.client.RunInstances(ctx, &awsec2.RunInstancesInput{
		ImageId:      aws.String(c.baseImage()),
		InstanceType: ec2types.InstanceType(c.instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(seed))),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{{
				Key:   aws.String("Name"),
				Value: aws.String(name),
			}},
		}},
	})
	if err != nil {
		return nil, errors.Join(cloud.ErrProvisionFailed, err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("%w: RunInstances returned no instances", cloud.ErrProvisionFailed)
	}
	id := aws.ToString(out.Instances[0].InstanceId)
	c.log.Info("launched instance", "name", name, "id", id, "type", c.instanceType)

	inst, err := c.awaitInstance(ctx, id, name)
	if err != nil {
		c.terminate(context.WithoutCancel(ctx), id)
		return nil, errors.Join(cloud.ErrProvisionFailed, err)
	}

	c.mu.Lock()
	c.instances[id] = inst
	c.mu.Unlock()
	return inst, nil
}

// Snapshot creates an AMI from the prepared instance and uses it as the
// base for subsequent launches.
func (c *Cloud) Snapshot(ctx context.Context, inst cloud.Instance) error {
	ec2Inst, ok := inst.(*Instance)
	if !ok {
		return fmt.Errorf("instance %s was not launched by this cloud", inst.Name())
	}

	out, err := c.client.CreateImage(ctx, &awsec2.CreateImageInput{
		InstanceId: aws.String(ec2Inst.id),
		Name:       aws.String(fmt.Sprintf("%s-snapshot-%.8s", c.namePrefix, uuid.NewString())),
	})
	if err != nil {
		return fmt.Errorf("creating snapshot image: %w", err)
	}

	c.mu.Lock()
	c.snapshot = aws.ToString(out.ImageId)
	c.mu.Unlock()

	c.log.Info("created snapshot image", "ami", c.snapshot)
	return nil
}

// DeleteSnapshot deregisters the AMI created during bootstrap, if any.
func (c *Cloud) DeleteSnapshot(ctx context.Context) error {
	c.mu.Lock()
	ami := c.snapshot
	c.snapshot = ""
	c.mu.Unlock()

	if ami == "" {
		return nil
	}
	_, err := c.client.DeregisterImage(ctx, &awsec2.DeregisterImageInput{ImageId: aws.String(ami)})
	if err != nil {
		return fmt.Errorf("deregistering image %s: %w", ami, err)
	}
	return nil
}

// Destroy terminates every instance the cloud still tracks.
func (c *Cloud) Destroy(ctx context.Context) error {
	c.mu.Lock()
	leftover := make([]*Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		leftover = append(leftover, inst)
	}
	c.mu.Unlock()

	g := new(errgroup.Group)
	for _, inst := range leftover {
		g.Go(func() error { return inst.Destroy(ctx) })
	}
	return g.Wait()
}

// SweepLeftovers terminates every non-terminated instance whose Name tag
// carries the run prefix, whether or not this process launched it.
func (c *Cloud) SweepLeftovers(ctx context.Context) ([]string, error) {
	out, err := c.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{c.namePrefix + "-*"}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describing leftover instances: %w", err)
	}

	var ids, names []string
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			ids = append(ids, aws.ToString(inst.InstanceId))
			names = append(names, instanceName(inst))
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := c.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: ids,
	}); err != nil {
		return nil, fmt.Errorf("terminating leftover instances: %w", err)
	}
	return names, nil
}

func instanceName(inst ec2types.Instance) string {
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value)
		}
	}
	return aws.ToString(inst.InstanceId)
}

func (c *Cloud) LogSettings(log logr.Logger) {
	log.Info("ec2 cloud settings",
		"region", c.region,
		"image", c.baseImage(),
		"instanceType", c.instanceType,
		"sshUser", c.sshUser,
		"namePrefix", c.namePrefix,
	)
}

func (c *Cloud) baseImage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != "" {
		return c.snapshot
	}
	return c.image
}

// seedData returns the launch user data. When the test supplies none, a
// minimal cloud-config creating the SSH user is generated so the instance
// is reachable at all.
func (c *Cloud) seedData(provided string) (string, error) {
	if provided != "" {
		return provided, nil
	}
	user, err := cloudinit.NewUser(c.sshUser, c.sshKeyPath+".pub")
	if err != nil {
		return "", err
	}
	return cloudinit.UserData{Users: []cloudinit.User{user}}.Render()
}

// awaitInstance waits for running state, resolves the public address and
// waits for SSH.
func (c *Cloud) awaitInstance(ctx context.Context, id, name string) (*Instance, error) {
	describe := &awsec2.DescribeInstancesInput{InstanceIds: []string{id}}

	waiter := awsec2.NewInstanceRunningWaiter(c.client)
	if err := waiter.Wait(ctx, describe, BootTimeout); err != nil {
		return nil, fmt.Errorf("waiting for instance %s to run: %w", id, err)
	}

	out, err := c.client.DescribeInstances(ctx, describe)
	if err != nil {
		return nil, fmt.Errorf("describing instance %s: %w", id, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("instance %s disappeared after launch", id)
	}
	addr := aws.ToString(out.Reservations[0].Instances[0].PublicIpAddress)
	if addr == "" {
		return nil, fmt.Errorf("instance %s has no public address", id)
	}

	sshClient, err := ssh.NewClient(addr, c.sshUser, c.sshKeyPath, "22")
	if err != nil {
		return nil, err
	}
	if err := sshClient.AwaitServer(ctx, BootTimeout); err != nil {
		return nil, err
	}

	return &Instance{id: id, name: name, addr: addr, ssh: sshClient, owner: c}, nil
}

func (c *Cloud) terminate(ctx context.Context, id string) {
	if _, err := c.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	}); err != nil {
		c.log.Error(err, "failed to terminate instance", "id", id)
	}
}

func (c *Cloud) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, id)
}

// Instance is one live EC2 machine reached over SSH.
type Instance struct {
	id    string
	name  string
	addr  string
	ssh   sshRunner
	owner *Cloud
}

// sshRunner is what Instance needs from the SSH client.
type sshRunner interface {
	ssh.Runner
	ssh.FileTransfer
}

func (i *Instance) Name() string { return i.name }

// Execute runs cmd as root; the agent's files and commands are not
// reachable from the login user.
func (i *Instance) Execute(ctx context.Context, cmd string) (cloud.ExecResult, error) {
	stdout, stderr, code, err := i.ssh.Run(ctx, "sudo sh -c "+shellQuote(cmd))
	if err != nil {
		return cloud.ExecResult{}, errors.Join(cloud.ErrExecFailed, err)
	}
	return cloud.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

func (i *Instance) PullFile(ctx context.Context, remotePath, localPath string) error {
	// Log bundles are written by root; make them readable before SFTP
	// opens them as the login user.
	if res, err := i.Execute(ctx, "chmod a+r "+shellQuote(remotePath)); err != nil || !res.Ok() {
		i.owner.log.V(1).Info("could not relax permissions before pull", "path", remotePath)
	}
	if err := i.ssh.Pull(ctx, remotePath, localPath); err != nil {
		return errors.Join(cloud.ErrFileTransferFailed, err)
	}
	return nil
}

func (i *Instance) PushFile(ctx context.Context, localPath, remotePath string) error {
	if err := i.ssh.Push(ctx, localPath, remotePath); err != nil {
		return errors.Join(cloud.ErrFileTransferFailed, err)
	}
	return nil
}

func (i *Instance) Destroy(ctx context.Context) error {
	_, err := i.owner.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []string{i.id},
	})
	i.owner.untrack(i.id)
	if err != nil {
		return errors.Join(cloud.ErrDestroyFailed, err)
	}
	return nil
}

// shellQuote single-quotes s for safe interpolation into sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
